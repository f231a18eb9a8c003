package transport

import (
	"fmt"
	"io"

	"github.com/gluk-w/sshdeck/internal/ssherr"
	"golang.org/x/crypto/ssh"
)

// RFC 4254 6.2
type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

// RFC 4254 6.7
type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

var terminalModes = ssh.TerminalModes{
	ssh.ECHO:          1,
	ssh.TTY_OP_ISPEED: 14400,
	ssh.TTY_OP_OSPEED: 14400,
}

func encodeModes(modes ssh.TerminalModes) string {
	var b []byte
	for op, val := range modes {
		b = append(b, op, byte(val>>24), byte(val>>16), byte(val>>8), byte(val))
	}
	b = append(b, 0) // TTY_OP_END
	return string(b)
}

// openShell opens a raw session channel so the pty-req can carry pixel
// dimensions, which ssh.Session.RequestPty does not expose.
func openShell(client *ssh.Client, size WindowSize) (Channel, error) {
	ch, reqs, err := client.OpenChannel("session", nil)
	if err != nil {
		return nil, ssherr.Wrap(ssherr.TransportFailure, err, "open session channel")
	}
	go ssh.DiscardRequests(reqs)

	pty := ptyRequestMsg{
		Term:     "xterm-256color",
		Columns:  uint32(size.Cols),
		Rows:     uint32(size.Rows),
		Width:    uint32(size.PixelWidth),
		Height:   uint32(size.PixelHeight),
		Modelist: encodeModes(terminalModes),
	}
	ok, err := ch.SendRequest("pty-req", true, ssh.Marshal(&pty))
	if err == nil && !ok {
		err = fmt.Errorf("server refused pty-req")
	}
	if err != nil {
		ch.Close()
		return nil, ssherr.Wrap(ssherr.TransportFailure, err, "request pty")
	}

	ok, err = ch.SendRequest("shell", true, nil)
	if err == nil && !ok {
		err = fmt.Errorf("server refused shell request")
	}
	if err != nil {
		ch.Close()
		return nil, ssherr.Wrap(ssherr.TransportFailure, err, "start shell")
	}

	return &sshChannel{ch: ch}, nil
}

type sshChannel struct {
	ch ssh.Channel
}

func (c *sshChannel) Write(p []byte) (int, error) {
	n, err := c.ch.Write(p)
	if err != nil {
		return n, ssherr.Wrap(ssherr.TransportFailure, err, "write to channel")
	}
	return n, nil
}

func (c *sshChannel) Stdout() io.Reader { return c.ch }

func (c *sshChannel) Stderr() io.Reader { return c.ch.Stderr() }

func (c *sshChannel) WindowChange(size WindowSize) error {
	msg := windowChangeMsg{
		Columns: uint32(size.Cols),
		Rows:    uint32(size.Rows),
		Width:   uint32(size.PixelWidth),
		Height:  uint32(size.PixelHeight),
	}
	if _, err := c.ch.SendRequest("window-change", false, ssh.Marshal(&msg)); err != nil {
		return ssherr.Wrap(ssherr.TransportFailure, err, "send window-change")
	}
	return nil
}

func (c *sshChannel) Close() error {
	err := c.ch.Close()
	if err == io.EOF {
		return nil
	}
	return err
}
