package snocatnet

import (
	"io"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// Duplex is the minimal surface a stream must expose to be wrapped into a
// Pipe: bidirectional i/o, full close, and an independent write-side close.
// Tunnel logical streams satisfy this interface.
type Duplex interface {
	io.ReadWriteCloser
	WriteHalfCloser
}

// duplexPipe wraps any Duplex stream with a Pipe interface
type duplexPipe struct {
	// implements Pipe
	Duplex
	*asyncobj.Helper
	name string
}

// NewDuplexPipe wraps an existing Duplex stream with a Pipe interface. The
// returned Pipe becomes the owner of the stream and is responsible for
// closing it when the pipe is closed. name is used as a logging prefix.
func NewDuplexPipe(logger logger.Logger, d Duplex, name string) Pipe {
	p := &duplexPipe{
		Duplex: d,
		name:   name,
	}
	p.Helper = asyncobj.NewHelper(logger.ForkLogStr(name), p)

	p.SetIsActivated()

	return p
}

func (p *duplexPipe) String() string {
	return p.name
}

// Close shuts down the pipe and waits for shutdown to complete
func (p *duplexPipe) Close() error {
	return p.Helper.Close()
}

// CloseWrite closes the write side of the wrapped stream, delivering EOF
// to the remote reader while local reads continue.
func (p *duplexPipe) CloseWrite() error {
	err := p.DeferShutdown()
	if err == nil {
		err = p.Duplex.CloseWrite()
		p.UndeferShutdown()
	}
	return err
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually
// shut down, then return the real completion value.
func (p *duplexPipe) HandleOnceShutdown(completionError error) error {
	err := p.Duplex.Close()
	if completionError == nil {
		completionError = err
	}
	return completionError
}
