package cmd

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/keeldb/keel/engine"
	"github.com/keeldb/keel/server"
	"github.com/keeldb/keel/storage/dm"
	"github.com/keeldb/keel/storage/tm"
	"github.com/keeldb/keel/storage/vm"
)

var ErrInvalidMem = errors.New("keel: invalid memory")

var (
	startCmd = &cobra.Command{
		Use:   "start <dbpath>",
		Short: "Start the keel database server",
		Args:  cobra.ExactArgs(1),
		RunE:  startRun,
	}

	mem     = "64MB"
	port    = 9999
	host    = ""
	workers = 20

	sshServer      = false
	sshPort        = "localhost:8241"
	authorizedKeys = ""
	hostKeys       = []string{"id_rsa"}
)

func init() {
	fs := startCmd.Flags()

	fs.StringVar(&mem, "mem", mem, "buffer pool `size`: <N>KB, <N>MB, or <N>GB")
	cfgVars["mem"] = fs.Lookup("mem")

	fs.IntVarP(&port, "port", "p", port, "`port` to serve the line protocol on")
	cfgVars["port"] = fs.Lookup("port")

	fs.StringVar(&host, "host", host, "`host` to serve the line protocol on")
	cfgVars["host"] = fs.Lookup("host")

	fs.IntVar(&workers, "workers", workers, "`size` of the session worker pool")
	cfgVars["workers"] = fs.Lookup("workers")

	fs.BoolVar(&sshServer, "ssh", sshServer, "`flag` to control serving SSH")
	cfgVars["ssh"] = fs.Lookup("ssh")

	fs.StringVar(&sshPort, "ssh-port", sshPort, "`port` used to serve SSH")
	cfgVars["ssh-port"] = fs.Lookup("ssh-port")

	fs.StringVar(&authorizedKeys, "ssh-authorized-keys", authorizedKeys,
		"`file` containing authorized ssh keys")
	cfgVars["ssh-authorized-keys"] = fs.Lookup("ssh-authorized-keys")

	fs.StringSliceVar(&hostKeys, "ssh-host-key", hostKeys,
		"`file` containing a ssh host key; multiple allowed")
	cfgVars["ssh-host-keys"] = fs.Lookup("ssh-host-key")

	cfgVars["accounts"] = nil

	keelCmd.AddCommand(startCmd)
}

func parseMem(memStr string) (int64, error) {
	if len(memStr) < 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMem, memStr)
	}
	n, err := strconv.ParseInt(memStr[:len(memStr)-2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMem, memStr)
	}
	switch memStr[len(memStr)-2:] {
	case "KB":
		return n << 10, nil
	case "MB":
		return n << 20, nil
	case "GB":
		return n << 30, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMem, memStr)
}

func openStack(path string, memBytes int64) (tm.Manager, dm.Manager, *engine.Engine, error) {
	tmgr, err := tm.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}
	dmgr, err := dm.Open(path, memBytes, tmgr)
	if err != nil {
		tmgr.Close()
		return nil, nil, nil, err
	}
	vmgr := vm.New(tmgr, dmgr)
	eng, err := engine.Open(path, vmgr, dmgr)
	if err != nil {
		dmgr.Close()
		tmgr.Close()
		return nil, nil, nil, err
	}
	return tmgr, dmgr, eng, nil
}

func userAccounts() map[string]string {
	val := cfg["accounts"]
	if val == nil {
		return nil
	}
	slice, ok := val.([]interface{})
	if !ok {
		return nil
	}

	userPasswords := map[string]string{}
	for _, obj := range slice {
		account, ok := obj.(map[string]interface{})
		if !ok {
			return nil
		}
		user, ok := account["user"].(string)
		if !ok {
			return nil
		}
		password, ok := account["password"].(string)
		if !ok {
			return nil
		}
		userPasswords[user] = password
	}

	return userPasswords
}

func startRun(cmd *cobra.Command, args []string) error {
	memBytes, err := parseMem(mem)
	if err != nil {
		return err
	}

	tmgr, dmgr, eng, err := openStack(args[0], memBytes)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("open database")
	}

	svr := server.New(eng, workers)
	go func() {
		err := svr.ListenAndServe(fmt.Sprintf("%s:%d", host, port))
		if err != nil && !errors.Is(err, server.ErrServerClosed) {
			log.WithField("error", err.Error()).Fatal("serve")
		}
	}()

	if sshServer {
		sshCfg := server.SSHConfig{
			Address: sshPort,
		}

		for _, hostKey := range hostKeys {
			keyBytes, err := ioutil.ReadFile(hostKey)
			if err != nil {
				return fmt.Errorf("keel: host keys: %s", err)
			}
			sshCfg.HostKeysBytes = append(sshCfg.HostKeysBytes, keyBytes)
		}
		if authorizedKeys != "" {
			sshCfg.AuthorizedBytes, err = ioutil.ReadFile(authorizedKeys)
			if err != nil {
				return fmt.Errorf("keel: authorized keys: %s", err)
			}
		}
		if userPasswords := userAccounts(); len(userPasswords) > 0 {
			sshCfg.CheckPassword = func(user, password string) error {
				pw, ok := userPasswords[user]
				if !ok {
					return fmt.Errorf("user %s not found", user)
				}
				if password != pw {
					return fmt.Errorf("bad password for user %s", user)
				}
				return nil
			}
		}

		go func() {
			err := svr.ListenAndServeSSH(sshCfg)
			if err != nil && !errors.Is(err, server.ErrServerClosed) {
				log.WithField("error", err.Error()).Fatal("serve ssh")
			}
		}()
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)

	fmt.Println("keel: waiting for ^C to shutdown")
	<-ch
	go func() {
		<-ch
		os.Exit(0)
	}()

	fmt.Println("keel: shutting down")
	svr.Shutdown()

	if err := dmgr.Close(); err != nil {
		log.WithField("error", err.Error()).Error("close data manager")
	}
	if err := tmgr.Close(); err != nil {
		log.WithField("error", err.Error()).Error("close transaction manager")
	}
	return nil
}
