package snocatnet

import (
	"fmt"
	"net"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// netConnPipe wraps a net.Conn "socket" with a Pipe interface
type netConnPipe struct {
	// implements Pipe
	net.Conn
	*asyncobj.Helper
	name string
}

// NewNetConnPipe wraps an existing net.Conn "socket" with a Pipe interface.
// The returned Pipe becomes the owner of the net.Conn and is responsible
// for closing it.
func NewNetConnPipe(logger logger.Logger, conn net.Conn) Pipe {
	name := fmt.Sprintf("<NetConnPipe %v->%v>", conn.LocalAddr(), conn.RemoteAddr())
	p := &netConnPipe{
		Conn: conn,
		name: name,
	}
	p.Helper = asyncobj.NewHelper(logger.ForkLogStr(name), p)

	p.SetIsActivated()

	return p
}

func (p *netConnPipe) String() string {
	return p.name
}

// Close shuts down the pipe and waits for shutdown to complete
func (p *netConnPipe) Close() error {
	return p.Helper.Close()
}

// CloseWrite closes the write side of the pipe, causing the remote reader
// to receive EOF. The read side is unaffected. If the underlying net.Conn
// supports CloseWrite() (e.g., TCPConn or UnixConn), it is called;
// otherwise this method does nothing.
func (p *netConnPipe) CloseWrite() error {
	err := p.DeferShutdown()
	if err == nil {
		whc, ok := p.Conn.(WriteHalfCloser)
		if ok {
			err = whc.CloseWrite()
		}
		p.UndeferShutdown()
	}
	return err
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually
// shut down, then return the real completion value.
func (p *netConnPipe) HandleOnceShutdown(completionError error) error {
	err := p.Conn.Close()
	if completionError == nil {
		completionError = err
	}
	return completionError
}
