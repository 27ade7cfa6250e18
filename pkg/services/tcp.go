package services

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"

	"github.com/age-rs/snocat/pkg/daemon"
	"github.com/age-rs/snocat/pkg/routing"
	"github.com/age-rs/snocat/pkg/snocatnet"
	"github.com/age-rs/snocat/pkg/tunnel"
)

// TCPForwarder is a service handler that exposes one local TCP target to
// the peer: every stream routed to it is connected to the target and
// bridged until both directions finish.
type TCPForwarder struct {
	logger      logger.Logger
	target      string
	dialTimeout time.Duration
	stats       *daemon.Stats
}

var _ routing.Handler = (*TCPForwarder)(nil)

// NewTCPForwarder creates a forwarder for target ("host:port"). stats may
// be nil. dialTimeout 0 means 10 seconds.
func NewTCPForwarder(lg logger.Logger, target string, dialTimeout time.Duration, stats *daemon.Stats) *TCPForwarder {
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	return &TCPForwarder{
		logger:      lg.ForkLog("tcp %s", target),
		target:      target,
		dialTimeout: dialTimeout,
		stats:       stats,
	}
}

// ServeStream implements routing.Handler. It dials the target and bridges
// the stream to it, returning when traffic has finished in both
// directions.
func (f *TCPForwarder) ServeStream(ctx context.Context, stream *tunnel.Stream) error {
	dialCtx, cancel := context.WithTimeout(ctx, f.dialTimeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", f.target)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.target, err)
	}

	streamPipe := snocatnet.NewDuplexPipe(f.logger, stream, fmt.Sprintf("<stream %d>", stream.StreamID()))
	connPipe := snocatnet.NewNetConnPipe(f.logger, conn)
	bridge := snocatnet.NewBridge(f.logger, streamPipe, connPipe, 0)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			bridge.StartShutdown(ctx.Err())
		case <-done:
		}
	}()
	err = bridge.WaitShutdown()
	close(done)

	sent := bridge.GetNumBytesWritten(1)
	received := bridge.GetNumBytesWritten(0)
	if f.stats != nil {
		f.stats.AddBytes(int64(sent + received))
	}
	f.logger.DLogf("Forward done: sent %s, received %s", sizestr.ToString(int64(sent)), sizestr.ToString(int64(received)))
	return err
}
