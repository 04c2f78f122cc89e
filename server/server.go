package server

import (
	"errors"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/keeldb/keel/engine"
	"github.com/keeldb/keel/wire"
)

var ErrServerClosed = errors.New("server: closed")

// Server accepts line protocol connections and runs a session per
// connection. Sessions are served by a bounded worker pool; when the pool
// is saturated the accepting goroutine runs the session itself, which
// applies backpressure to new connections.
type Server struct {
	eng     engine.Manager
	workers int64

	mutex       sync.Mutex
	listener    net.Listener
	sshListener net.Listener
	activeConn  map[net.Conn]struct{}
	shutdown    bool
}

func New(eng engine.Manager, workers int) *Server {
	if workers < 1 {
		workers = 1
	}
	return &Server{
		eng:        eng,
		workers:    int64(workers),
		activeConn: map[net.Conn]struct{}{},
	}
}

// ListenAndServe serves the line protocol on addr until Shutdown.
func (svr *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	svr.mutex.Lock()
	if svr.shutdown {
		svr.mutex.Unlock()
		lis.Close()
		return ErrServerClosed
	}
	svr.listener = lis
	svr.mutex.Unlock()

	log.WithField("addr", addr).Info("server listening")

	sem := semaphore.NewWeighted(svr.workers)
	for {
		conn, err := lis.Accept()
		if err != nil {
			svr.mutex.Lock()
			down := svr.shutdown
			svr.mutex.Unlock()
			if down {
				return ErrServerClosed
			}
			return err
		}

		if sem.TryAcquire(1) {
			go func() {
				defer sem.Release(1)
				svr.serveConn(conn)
			}()
		} else {
			svr.serveConn(conn)
		}
	}
}

// Addr returns the line protocol listener's address, or nil before
// ListenAndServe has bound it.
func (svr *Server) Addr() net.Addr {
	svr.mutex.Lock()
	defer svr.mutex.Unlock()

	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) trackConn(conn net.Conn, add bool) bool {
	svr.mutex.Lock()
	defer svr.mutex.Unlock()

	if add {
		if svr.shutdown {
			return false
		}
		svr.activeConn[conn] = struct{}{}
	} else {
		delete(svr.activeConn, conn)
	}
	return true
}

func (svr *Server) serveConn(conn net.Conn) {
	if !svr.trackConn(conn, true) {
		conn.Close()
		return
	}
	entry := log.WithField("addr", conn.RemoteAddr().String())
	entry.Info("connected")

	pkgr := wire.NewPackager(wire.NewTransporter(conn), wire.NewEncoder())
	ses := NewSession(svr.eng)
	for {
		pkt, err := pkgr.Receive()
		if err != nil {
			// EOF is the normal way for a client to leave.
			break
		}

		result, err := ses.Execute(pkt.Data)
		if err != nil {
			entry.WithField("error", err.Error()).Debug("statement failed")
		}
		if err := pkgr.Send(wire.Packet{Data: result, Err: err}); err != nil {
			entry.WithField("error", err.Error()).Error("send response")
			break
		}
	}
	ses.Close()
	pkgr.Close()
	svr.trackConn(conn, false)
	entry.Info("disconnected")
}

// Shutdown stops accepting connections and closes the active ones.
func (svr *Server) Shutdown() {
	svr.mutex.Lock()
	defer svr.mutex.Unlock()

	if svr.shutdown {
		return
	}
	svr.shutdown = true
	if svr.listener != nil {
		svr.listener.Close()
	}
	if svr.sshListener != nil {
		svr.sshListener.Close()
	}
	for conn := range svr.activeConn {
		conn.Close()
		delete(svr.activeConn, conn)
	}
}
