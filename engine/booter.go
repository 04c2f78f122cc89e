package engine

import (
	"fmt"
	"io/ioutil"
	"os"
)

const (
	booterSuffix    = ".bt"
	booterTmpSuffix = ".bt_tmp"
)

// booter owns the boot file: an 8 byte pointer to the newest catalog
// entry. Updates go through a temp file that is fsynced and renamed over
// the real one, so the pointer is replaced atomically.
type booter struct {
	path string
}

func createBooter(path string) (*booter, error) {
	removeBadTmp(path)
	f, err := os.OpenFile(path+booterSuffix, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return nil, fmt.Errorf("engine: create boot file: %w", err)
	}
	f.Close()
	return &booter{path: path}, nil
}

func openBooter(path string) (*booter, error) {
	removeBadTmp(path)
	if _, err := os.Stat(path + booterSuffix); err != nil {
		return nil, fmt.Errorf("engine: open boot file: %w", err)
	}
	return &booter{path: path}, nil
}

func removeBadTmp(path string) {
	os.Remove(path + booterTmpSuffix)
}

func (bt *booter) load() ([]byte, error) {
	raw, err := ioutil.ReadFile(bt.path + booterSuffix)
	if err != nil {
		return nil, fmt.Errorf("engine: read boot file: %w", err)
	}
	return raw, nil
}

func (bt *booter) update(data []byte) error {
	tmp := bt.path + booterTmpSuffix
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("engine: update boot file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("engine: update boot file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("engine: update boot file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("engine: update boot file: %w", err)
	}
	if err := os.Rename(tmp, bt.path+booterSuffix); err != nil {
		return fmt.Errorf("engine: update boot file: %w", err)
	}
	return nil
}
