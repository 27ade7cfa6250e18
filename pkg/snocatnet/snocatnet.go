// Package snocatnet provides the low-level stream plumbing shared by the
// tunnel router and the built-in service handlers: a Pipe abstraction for
// one bidirectional byte stream, wrappers that turn net.Conn sockets and
// tunnel logical streams into Pipes, and a Bridge that forwards traffic
// between two Pipes in both directions until both sides reach end of
// stream or an error occurs.
//
// A Pipe intentionally looks and acts like a TCP socket. Like a net.Conn,
// the write side may be closed before the read side, so request/response
// protocols that signal end of request with a half-close work through a
// bridged pair of Pipes unmodified.
package snocatnet

import (
	"io"

	"github.com/sammck-go/asyncobj"
)

// WriteHalfCloser is implemented by streams whose write side can be closed
// independently of the read side, delivering EOF to the remote reader.
type WriteHalfCloser interface {
	CloseWrite() error
}

// Pipe is one open bidirectional byte stream. Read returns 0 bytes with
// io.EOF at end of stream. After shutdown is started, reads and writes
// complete quickly, with or without errors; on completion of shutdown all
// underlying resources are freed.
type Pipe interface {
	io.ReadWriteCloser
	WriteHalfCloser
	asyncobj.AsyncShutdowner
}
