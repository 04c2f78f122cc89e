package testutil

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

// TempDBPath returns a database path inside a fresh temporary directory and
// a cleanup function that removes it.
func TempDBPath(t *testing.T) (string, func()) {
	t.Helper()

	dir, err := ioutil.TempDir("", "keel-test")
	if err != nil {
		t.Fatalf("TempDir() failed with %s", err)
	}
	return filepath.Join(dir, "testdb"), func() {
		os.RemoveAll(dir)
	}
}
