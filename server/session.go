package server

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/keeldb/keel/engine"
	"github.com/keeldb/keel/parser"
)

var (
	ErrNestedTransaction = errors.New("server: nested transaction not supported")
	ErrNoTransaction     = errors.New("server: not in transaction")
)

// Session executes one connection's statements. It owns at most one
// explicit transaction; statements outside one run in a temporary
// transaction that commits on success and aborts on error.
type Session struct {
	eng engine.Manager
	xid uint64
}

func NewSession(eng engine.Manager) *Session {
	return &Session{eng: eng}
}

func (ses *Session) Execute(sql []byte) ([]byte, error) {
	log.WithField("sql", string(sql)).Debug("execute")

	stmt, err := parser.Parse(sql)
	if err != nil {
		return nil, err
	}

	switch s := stmt.(type) {
	case *parser.Begin:
		if ses.xid != 0 {
			return nil, ErrNestedTransaction
		}
		xid, res, err := ses.eng.Begin(s)
		if err != nil {
			return nil, err
		}
		ses.xid = xid
		return res, nil
	case *parser.Commit:
		if ses.xid == 0 {
			return nil, ErrNoTransaction
		}
		res, err := ses.eng.Commit(ses.xid)
		if err != nil {
			return nil, err
		}
		ses.xid = 0
		return res, nil
	case *parser.Abort:
		if ses.xid == 0 {
			return nil, ErrNoTransaction
		}
		res, err := ses.eng.Abort(ses.xid)
		if err != nil {
			return nil, err
		}
		ses.xid = 0
		return res, nil
	}
	return ses.executeStmt(stmt)
}

func (ses *Session) executeStmt(stmt parser.Stmt) ([]byte, error) {
	temporary := false
	if ses.xid == 0 {
		xid, _, err := ses.eng.Begin(&parser.Begin{})
		if err != nil {
			return nil, err
		}
		ses.xid = xid
		temporary = true
	}

	res, err := ses.dispatch(stmt)

	if temporary {
		if err != nil {
			if _, aerr := ses.eng.Abort(ses.xid); aerr != nil {
				log.WithField("error", aerr.Error()).Error("abort temporary transaction")
			}
		} else {
			_, err = ses.eng.Commit(ses.xid)
		}
		ses.xid = 0
	}
	return res, err
}

func (ses *Session) dispatch(stmt parser.Stmt) ([]byte, error) {
	switch s := stmt.(type) {
	case *parser.Show:
		return ses.eng.Show(ses.xid)
	case *parser.Create:
		return ses.eng.Create(ses.xid, s)
	case *parser.Drop:
		return ses.eng.Drop(ses.xid, s)
	case *parser.Insert:
		return ses.eng.Insert(ses.xid, s)
	case *parser.Select:
		return ses.eng.Select(ses.xid, s)
	case *parser.Update:
		return ses.eng.Update(ses.xid, s)
	case *parser.Delete:
		return ses.eng.Delete(ses.xid, s)
	}
	panic(fmt.Sprintf("server: unexpected statement %T", stmt))
}

// Close aborts any transaction the connection left open.
func (ses *Session) Close() {
	if ses.xid != 0 {
		log.WithField("xid", ses.xid).Info("aborting abandoned transaction")
		if _, err := ses.eng.Abort(ses.xid); err != nil {
			log.WithField("error", err.Error()).Error("abort abandoned transaction")
		}
		ses.xid = 0
	}
}
