// Package wire implements the line protocol: one hex encoded frame per
// newline terminated line in each direction. The first byte of a decoded
// frame is 0 for success (the rest is the opaque result) or 1 for failure
// (the rest is a UTF-8 error message).
package wire

import (
	"bufio"
	"encoding/hex"
	"errors"
	"net"
	"strings"
)

var ErrInvalidPacket = errors.New("wire: invalid packet data")

// Packet is one decoded frame: either result bytes or an error, never
// both.
type Packet struct {
	Data []byte
	Err  error
}

// Encoder maps packets to and from frame bytes.
type Encoder interface {
	Encode(p Packet) []byte
	Decode(raw []byte) (Packet, error)
}

type encoder struct{}

func NewEncoder() Encoder {
	return encoder{}
}

func (encoder) Encode(p Packet) []byte {
	if p.Err != nil {
		msg := p.Err.Error()
		if msg == "" {
			msg = "internal server error"
		}
		return append([]byte{1}, msg...)
	}
	return append([]byte{0}, p.Data...)
}

func (encoder) Decode(raw []byte) (Packet, error) {
	if len(raw) < 1 {
		return Packet{}, ErrInvalidPacket
	}
	switch raw[0] {
	case 0:
		return Packet{Data: raw[1:]}, nil
	case 1:
		return Packet{Err: errors.New(string(raw[1:]))}, nil
	}
	return Packet{}, ErrInvalidPacket
}

// Transporter moves raw frames over a connection.
type Transporter interface {
	Send(raw []byte) error
	Receive() ([]byte, error)
	Close() error
}

type transporter struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func NewTransporter(conn net.Conn) Transporter {
	return &transporter{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

func (t *transporter) Send(raw []byte) error {
	if _, err := t.w.WriteString(hex.EncodeToString(raw) + "\n"); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *transporter) Receive() ([]byte, error) {
	line, err := t.r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	// hex.DecodeString is tolerant of either case.
	return hex.DecodeString(strings.TrimRight(line, "\r\n"))
}

func (t *transporter) Close() error {
	return t.conn.Close()
}

// Packager pairs a transporter with an encoder.
type Packager struct {
	t Transporter
	e Encoder
}

func NewPackager(t Transporter, e Encoder) *Packager {
	return &Packager{t: t, e: e}
}

func (p *Packager) Send(pkt Packet) error {
	return p.t.Send(p.e.Encode(pkt))
}

func (p *Packager) Receive() (Packet, error) {
	raw, err := p.t.Receive()
	if err != nil {
		return Packet{}, err
	}
	return p.e.Decode(raw)
}

func (p *Packager) Close() error {
	return p.t.Close()
}
