package snocatnet

import (
	"fmt"
	"io"
	"sync"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// Bridger is the interface to a background task that forwards traffic in
// both directions between two Pipes. It takes ownership of both Pipes and
// automatically shuts itself and both Pipes down when streams are complete
// in both directions, or when an error occurs.
type Bridger interface {
	fmt.Stringer

	// Allows asynchronous shutdown of both Pipes with an advisory error to
	// be subsequently returned from WaitShutdown(). WaitShutdown() returns
	// nil iff all traffic to EOS was successfully forwarded in both
	// directions and shutdown was clean.
	asyncobj.AsyncShutdowner

	// GetNumBytesWritten returns the number of bytes successfully written
	// to one of the Pipes being bridged. side must be 0 or 1. It may be
	// called after shutdown is complete to determine final transfer counts.
	GetNumBytesWritten(side int) uint64
}

// bridgeSide holds one of the two bridged Pipes and its write counter
type bridgeSide struct {
	pipe      Pipe
	nbWritten uint64
}

// DefaultBridgeBufferSize is the default buffer size used for forwarding
// data between two Pipes.
const DefaultBridgeBufferSize = 32 * 1024

// Bridge is a background task that forwards traffic in both directions
// between two Pipes. It shuts itself down when streams are complete in
// both directions, or when an error occurs.
type Bridge struct {
	*asyncobj.Helper

	name string

	// sides is an array of length 2 holding the two Pipes being bridged
	sides []*bridgeSide

	// forwarderWg becomes unblocked when both directional forwarding
	// goroutines have completed
	forwarderWg sync.WaitGroup
}

// NewBridge starts a new background bridging task that forwards traffic in
// both directions between two Pipes. On return, the bridge is already
// activated. bufferSize specifies the per-direction copy buffer; if 0,
// DefaultBridgeBufferSize is used.
func NewBridge(
	logger logger.Logger,
	pipe0 Pipe,
	pipe1 Pipe,
	bufferSize int,
) Bridger {
	name := fmt.Sprintf("[Bridge %v <=> %v]", pipe0, pipe1)
	sublogger := logger.ForkLogStr(name)
	b := &Bridge{
		name: name,
		sides: []*bridgeSide{
			{pipe: pipe0},
			{pipe: pipe1},
		},
	}
	b.Helper = asyncobj.NewHelper(sublogger, b)

	b.forwarderWg.Add(2)
	b.SetIsActivated()
	go b.forwardOneDirection(b.sides[0], b.sides[1], bufferSize)
	go b.forwardOneDirection(b.sides[1], b.sides[0], bufferSize)
	go func() {
		b.forwarderWg.Wait()
		b.DLog("Both forwarding goroutines completed; cleaning up")
		b.StartShutdown(nil)
	}()

	return b
}

// String returns a friendly name for the bridge.
func (b *Bridge) String() string {
	return b.name
}

// GetNumBytesWritten returns the number of bytes successfully written to
// one of the Pipes being bridged. side must be 0 or 1.
func (b *Bridge) GetNumBytesWritten(side int) uint64 {
	b.Lock.Lock()
	defer b.Lock.Unlock()
	return b.sides[side].nbWritten
}

// HandleOnceShutdown will be called exactly once by asyncobj.Helper, in
// its own goroutine. It should take completionErr as an advisory
// completion value, actually shut down, then return the real completion
// value.
func (b *Bridge) HandleOnceShutdown(completionErr error) error {
	finalErr := completionErr

	// Start shutting down both bridged Pipes. This causes pending
	// reads/writes to fail, ensuring the forwarding goroutines exit soon.
	for _, side := range b.sides {
		side.pipe.StartShutdown(completionErr)
	}

	b.forwarderWg.Wait()

	for _, side := range b.sides {
		err := side.pipe.WaitShutdown()
		if err != nil && finalErr == nil {
			finalErr = err
		}
	}

	return finalErr
}

// forwardOneDirection runs in its own goroutine; it forwards bytes from
// src to dst until EOS or an error, keeping track of byte counts. On
// successful completion the write half of dst is closed so the remote
// reader sees EOF. On any error, the entire bridge is scheduled for
// shutdown.
func (b *Bridge) forwardOneDirection(src *bridgeSide, dst *bridgeSide, bufferSize int) {
	if bufferSize == 0 {
		bufferSize = DefaultBridgeBufferSize
	}
	buffer := make([]byte, bufferSize)
	var err error
	for {
		nbr, rerr := src.pipe.Read(buffer)
		if nbr > 0 {
			nbw, werr := dst.pipe.Write(buffer[:nbr])
			if werr == nil && nbw < nbr {
				werr = io.ErrShortWrite
			}
			if nbw > 0 {
				b.Lock.Lock()
				dst.nbWritten += uint64(nbw)
				b.Lock.Unlock()
			}
			if werr != nil {
				err = werr
				break
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			err = rerr
			break
		}
	}
	if err == nil {
		b.DLogf("Closing write side of %v after %v bytes", dst.pipe, dst.nbWritten)
		err = dst.pipe.CloseWrite()
	}
	if err != nil {
		// It's ok to always call StartShutdown here, but the logs are
		// clearer this way
		if b.IsStartedShutdown() {
			b.DLogf("Forwarder to %v failed after %v bytes, already shutting down; cleaning up: %s", dst.pipe, dst.nbWritten, err)
		} else {
			b.ILogf("Forwarder to %v failed after %v bytes; shutting down: %s", dst.pipe, dst.nbWritten, err)
			b.StartShutdown(err)
		}
	} else {
		b.DLogf("Forwarder to %v finished successfully after %v bytes", dst.pipe, dst.nbWritten)
	}
	b.forwarderWg.Done()
}
