package wire

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	e := NewEncoder()

	raw := e.Encode(Packet{Data: []byte("select")})
	if raw[0] != 0 || !bytes.Equal(raw[1:], []byte("select")) {
		t.Errorf("Encode(data) got %v", raw)
	}
	pkt, err := e.Decode(raw)
	if err != nil {
		t.Fatalf("Decode() failed with %s", err)
	}
	if pkt.Err != nil || !bytes.Equal(pkt.Data, []byte("select")) {
		t.Errorf("Decode() got %+v", pkt)
	}

	raw = e.Encode(Packet{Err: errors.New("boom")})
	if raw[0] != 1 {
		t.Errorf("Encode(err) got type %d", raw[0])
	}
	pkt, err = e.Decode(raw)
	if err != nil {
		t.Fatalf("Decode() failed with %s", err)
	}
	if pkt.Err == nil || pkt.Err.Error() != "boom" {
		t.Errorf("Decode() got %+v", pkt)
	}

	if _, err := e.Decode(nil); !errors.Is(err, ErrInvalidPacket) {
		t.Errorf("Decode(empty) got %v want ErrInvalidPacket", err)
	}
	if _, err := e.Decode([]byte{9}); !errors.Is(err, ErrInvalidPacket) {
		t.Errorf("Decode(bad type) got %v want ErrInvalidPacket", err)
	}
}

func TestTransportRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	ta := NewTransporter(a)
	tb := NewTransporter(b)
	defer ta.Close()
	defer tb.Close()

	go func() {
		if err := ta.Send([]byte{0, 'h', 'i'}); err != nil {
			t.Errorf("Send() failed with %s", err)
		}
	}()

	raw, err := tb.Receive()
	if err != nil {
		t.Fatalf("Receive() failed with %s", err)
	}
	if !bytes.Equal(raw, []byte{0, 'h', 'i'}) {
		t.Errorf("Receive() got %v", raw)
	}
}

func TestReceiveUppercaseHex(t *testing.T) {
	a, b := net.Pipe()
	tb := NewTransporter(b)
	defer tb.Close()

	go func() {
		a.Write([]byte(strings.ToUpper("00686579") + "\n"))
		a.Close()
	}()

	raw, err := tb.Receive()
	if err != nil {
		t.Fatalf("Receive() failed with %s", err)
	}
	if !bytes.Equal(raw, []byte{0, 'h', 'e', 'y'}) {
		t.Errorf("Receive() got %v", raw)
	}
}

func TestPackagerRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	pa := NewPackager(NewTransporter(a), NewEncoder())
	pb := NewPackager(NewTransporter(b), NewEncoder())
	defer pa.Close()
	defer pb.Close()

	go func() {
		if err := pa.Send(Packet{Data: []byte("begin")}); err != nil {
			t.Errorf("Send() failed with %s", err)
		}
	}()

	pkt, err := pb.Receive()
	if err != nil {
		t.Fatalf("Receive() failed with %s", err)
	}
	if pkt.Err != nil || !bytes.Equal(pkt.Data, []byte("begin")) {
		t.Errorf("Receive() got %+v", pkt)
	}
}
