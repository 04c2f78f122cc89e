package server

import (
	"fmt"
	"net"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/keeldb/keel/version"
)

// SSHConfig configures the optional SSH front end. With neither password
// accounts nor authorized keys configured, client auth is disabled.
type SSHConfig struct {
	Address         string
	HostKeysBytes   [][]byte
	AuthorizedBytes []byte
	CheckPassword   func(user, password string) error
}

func newSSHServerConfig(sshCfg SSHConfig) (*ssh.ServerConfig, error) {
	cfg := ssh.ServerConfig{
		AuthLogCallback: func(md ssh.ConnMetadata, method string, err error) {
			if method != "none" {
				l := log.WithFields(log.Fields{
					"user":   md.User(),
					"addr":   md.RemoteAddr().String(),
					"method": method,
				})
				if err != nil {
					l.WithField("error", err.Error()).Error("authentication failed")
				} else {
					l.Info("authentication succeeded")
				}
			}
		},
		BannerCallback: func(md ssh.ConnMetadata) string {
			return "keel " + version.Version + "\n"
		},
	}

	for _, keyBytes := range sshCfg.HostKeysBytes {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, err
		}
		cfg.AddHostKey(key)
	}

	authorizedKeys := map[string]struct{}{}
	rest := sshCfg.AuthorizedBytes
	for len(rest) > 0 {
		key, _, _, remaining, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			return nil, err
		}
		authorizedKeys[string(key.Marshal())] = struct{}{}
		rest = remaining
	}

	if sshCfg.CheckPassword == nil && len(authorizedKeys) == 0 {
		cfg.NoClientAuth = true
		log.Warn("ssh client auth: NONE")
	}

	if sshCfg.CheckPassword != nil {
		checkPassword := sshCfg.CheckPassword
		cfg.PasswordCallback =
			func(md ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
				return nil, checkPassword(md.User(), string(pass))
			}
		log.Info("ssh client auth: password")
	}

	if len(authorizedKeys) > 0 {
		cfg.PublicKeyCallback =
			func(md ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
				if _, ok := authorizedKeys[string(key.Marshal())]; !ok {
					return nil, fmt.Errorf("unknown public key for %s", md.User())
				}
				return nil, nil
			}
		log.Info("ssh client auth: public key")
	}

	return &cfg, nil
}

// ListenAndServeSSH serves interactive SQL sessions over SSH terminal
// channels.
func (svr *Server) ListenAndServeSSH(sshCfg SSHConfig) error {
	cfg, err := newSSHServerConfig(sshCfg)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", sshCfg.Address)
	if err != nil {
		return err
	}

	svr.mutex.Lock()
	if svr.shutdown {
		svr.mutex.Unlock()
		lis.Close()
		return ErrServerClosed
	}
	svr.sshListener = lis
	svr.mutex.Unlock()

	log.WithField("addr", sshCfg.Address).Info("ssh server listening")

	for {
		tcp, err := lis.Accept()
		if err != nil {
			svr.mutex.Lock()
			down := svr.shutdown
			svr.mutex.Unlock()
			if down {
				return ErrServerClosed
			}
			return err
		}

		conn, chans, reqs, err := ssh.NewServerConn(tcp, cfg)
		if err != nil {
			log.WithField("error", err.Error()).Error("ssh handshake")
			tcp.Close()
			continue
		}
		entry := log.WithFields(log.Fields{
			"user": conn.User(),
			"addr": conn.RemoteAddr().String(),
		})
		entry.Info("ssh connected")

		go ssh.DiscardRequests(reqs)
		go func() {
			for nch := range chans {
				go svr.handleSSHChannel(nch, entry)
			}
			conn.Close()
			entry.Info("ssh disconnected")
		}()
	}
}

func (svr *Server) handleSSHChannel(nch ssh.NewChannel, entry *log.Entry) {
	if typ := nch.ChannelType(); typ != "session" {
		nch.Reject(ssh.UnknownChannelType, typ)
		entry.WithField("channel-type", typ).Error("unknown channel type")
		return
	}

	ch, reqs, err := nch.Accept()
	if err != nil {
		entry.WithField("error", err.Error()).Error("new channel accept")
		return
	}
	defer ch.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	term := terminal.NewTerminal(ch, ":> ")
	ses := NewSession(svr.eng)
	defer ses.Close()
	for {
		line, err := term.ReadLine()
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}

		result, err := ses.Execute([]byte(line))
		if err != nil {
			fmt.Fprintf(term, "error: %s\n", err)
			continue
		}
		term.Write(result)
		fmt.Fprintln(term)
	}
}
