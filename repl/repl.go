// Package repl is the interactive client shell: it connects to a server,
// reads statements line by line, and prints each response.
package repl

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/peterh/liner"

	"github.com/keeldb/keel/wire"
)

const historyFile = ".keel_history"

// Interact runs the shell against the server at addr until exit, quit, or
// end of input.
func Interact(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("repl: connect to %s: %w", addr, err)
	}
	pkgr := wire.NewPackager(wire.NewTransporter(conn), wire.NewEncoder())
	defer pkgr.Close()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	for {
		stmt, err := line.Prompt(":> ")
		if err != nil {
			break
		}
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		line.AppendHistory(stmt)
		if stmt == "exit" || stmt == "quit" {
			break
		}

		if err := pkgr.Send(wire.Packet{Data: []byte(stmt)}); err != nil {
			return fmt.Errorf("repl: send: %w", err)
		}
		pkt, err := pkgr.Receive()
		if err != nil {
			return fmt.Errorf("repl: receive: %w", err)
		}
		if pkt.Err != nil {
			fmt.Printf("error: %s\n", pkt.Err)
		} else {
			fmt.Printf("%s\n", pkt.Data)
		}
	}

	if f, err := os.Create(historyFile); err != nil {
		fmt.Fprintf(os.Stderr, "keel: error writing history file, %s: %s\n", historyFile, err)
	} else {
		line.WriteHistory(f)
		f.Close()
	}
	return nil
}
