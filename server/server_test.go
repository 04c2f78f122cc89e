package server

import (
	"flag"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keeldb/keel/engine"
	"github.com/keeldb/keel/storage/dm"
	"github.com/keeldb/keel/storage/tm"
	"github.com/keeldb/keel/storage/vm"
	"github.com/keeldb/keel/testutil"
	"github.com/keeldb/keel/wire"
)

func TestMain(m *testing.M) {
	flag.Parse()
	testutil.SetupLogger("server_test.log")
	os.Exit(m.Run())
}

func startTestServer(t *testing.T) (*Server, net.Addr, func()) {
	t.Helper()

	dir, err := ioutil.TempDir("", "keel-server-test")
	if err != nil {
		t.Fatalf("TempDir() failed with %s", err)
	}
	path := filepath.Join(dir, "testdb")

	tmgr, err := tm.Create(path)
	if err != nil {
		t.Fatalf("tm.Create() failed with %s", err)
	}
	dmgr, err := dm.Create(path, 1<<22, tmgr)
	if err != nil {
		t.Fatalf("dm.Create() failed with %s", err)
	}
	vmgr := vm.New(tmgr, dmgr)
	eng, err := engine.Create(path, vmgr, dmgr)
	if err != nil {
		t.Fatalf("engine.Create() failed with %s", err)
	}

	svr := New(eng, 4)
	go svr.ListenAndServe("127.0.0.1:0")

	var addr net.Addr
	for i := 0; i < 100; i += 1 {
		if addr = svr.Addr(); addr != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("server did not start listening")
	}

	return svr, addr, func() {
		svr.Shutdown()
		dmgr.Close()
		tmgr.Close()
		os.RemoveAll(dir)
	}
}

type testClient struct {
	pkgr *wire.Packager
}

func dialTestServer(t *testing.T, addr net.Addr) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial(%s) failed with %s", addr, err)
	}
	return &testClient{pkgr: wire.NewPackager(wire.NewTransporter(conn), wire.NewEncoder())}
}

func (c *testClient) roundTrip(t *testing.T, sql string) (string, error) {
	t.Helper()

	if err := c.pkgr.Send(wire.Packet{Data: []byte(sql)}); err != nil {
		t.Fatalf("Send(%q) failed with %s", sql, err)
	}
	pkt, err := c.pkgr.Receive()
	if err != nil {
		t.Fatalf("Receive() after %q failed with %s", sql, err)
	}
	return string(pkt.Data), pkt.Err
}

func (c *testClient) mustRun(t *testing.T, sql string) string {
	t.Helper()

	res, err := c.roundTrip(t, sql)
	if err != nil {
		t.Fatalf("%q failed with %s", sql, err)
	}
	return res
}

func TestSessionOverTCP(t *testing.T) {
	_, addr, cleanup := startTestServer(t)
	defer cleanup()

	c := dialTestServer(t, addr)
	defer c.pkgr.Close()

	c.mustRun(t, "create table t k int64, v string (index k)")

	if res := c.mustRun(t, "begin"); res != "begin" {
		t.Errorf("begin got %q", res)
	}
	c.mustRun(t, "insert into t values 1 'one'")
	out := c.mustRun(t, "select * from t where k = 1")
	if !strings.Contains(out, "one") {
		t.Errorf("select got:\n%s", out)
	}
	if res := c.mustRun(t, "commit"); res != "commit" {
		t.Errorf("commit got %q", res)
	}

	// Statement outside a transaction auto-commits.
	c.mustRun(t, "insert into t values 2 'two'")
	out = c.mustRun(t, "select * from t where k > 0")
	if !strings.Contains(out, "(2 rows)") {
		t.Errorf("select got:\n%s", out)
	}
}

func TestTransactionErrorsOverTCP(t *testing.T) {
	_, addr, cleanup := startTestServer(t)
	defer cleanup()

	c := dialTestServer(t, addr)
	defer c.pkgr.Close()

	if _, err := c.roundTrip(t, "commit"); err == nil {
		t.Error("commit outside a transaction did not fail")
	}
	if _, err := c.roundTrip(t, "abort"); err == nil {
		t.Error("abort outside a transaction did not fail")
	}

	c.mustRun(t, "begin")
	if _, err := c.roundTrip(t, "begin"); err == nil {
		t.Error("nested begin did not fail")
	}
	c.mustRun(t, "abort")

	// Errors arrive as type-1 packets with a message, and the session
	// stays usable.
	if _, err := c.roundTrip(t, "select from"); err == nil {
		t.Error("malformed statement did not fail")
	}
	c.mustRun(t, "create table t a int64 (index a)")
}

func TestAbortedInsertInvisible(t *testing.T) {
	_, addr, cleanup := startTestServer(t)
	defer cleanup()

	c := dialTestServer(t, addr)
	defer c.pkgr.Close()

	c.mustRun(t, "create table t a int64 (index a)")
	c.mustRun(t, "begin")
	c.mustRun(t, "insert into t values 7")
	c.mustRun(t, "abort")

	out := c.mustRun(t, "select * from t where a = 7")
	if !strings.Contains(out, "(0 rows)") {
		t.Errorf("select after abort got:\n%s", out)
	}
}

func TestDroppedConnectionAbortsTransaction(t *testing.T) {
	_, addr, cleanup := startTestServer(t)
	defer cleanup()

	c1 := dialTestServer(t, addr)
	c1.mustRun(t, "create table t a int64 (index a)")
	c1.mustRun(t, "begin")
	c1.mustRun(t, "insert into t values 9")
	c1.pkgr.Close()

	// The server aborts the abandoned transaction, so its insert never
	// becomes visible.
	c2 := dialTestServer(t, addr)
	defer c2.pkgr.Close()

	var out string
	for i := 0; i < 100; i += 1 {
		out = c2.mustRun(t, "select * from t where a = 9")
		if strings.Contains(out, "(0 rows)") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("select after dropped connection got:\n%s", out)
}
