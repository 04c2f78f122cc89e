package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/keeldb/keel/engine"
	"github.com/keeldb/keel/storage/dm"
	"github.com/keeldb/keel/storage/tm"
	"github.com/keeldb/keel/storage/vm"
)

var createCmd = &cobra.Command{
	Use:   "create <dbpath>",
	Short: "Create a new keel database",
	Args:  cobra.ExactArgs(1),
	RunE:  createRun,
}

func init() {
	keelCmd.AddCommand(createCmd)
}

func createRun(cmd *cobra.Command, args []string) error {
	path := args[0]

	tmgr, err := tm.Create(path)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("create transaction manager")
	}
	dmgr, err := dm.Create(path, 64<<20, tmgr)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("create data manager")
	}
	vmgr := vm.New(tmgr, dmgr)
	if _, err := engine.Create(path, vmgr, dmgr); err != nil {
		log.WithField("error", err.Error()).Fatal("create catalog")
	}

	if err := dmgr.Close(); err != nil {
		return err
	}
	if err := tmgr.Close(); err != nil {
		return err
	}
	log.WithField("path", path).Info("database created")
	return nil
}
