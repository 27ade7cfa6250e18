package services

import (
	"context"
	"io"

	"github.com/sammck-go/logger"

	"github.com/age-rs/snocat/pkg/routing"
	"github.com/age-rs/snocat/pkg/tunnel"
)

// Echo is a diagnostic service that writes every byte it receives back to
// the sender. When the peer half-closes, the echo drains, mirrors the
// half-close, and ends cleanly.
type Echo struct {
	logger logger.Logger
}

var _ routing.Handler = (*Echo)(nil)

// NewEcho creates an Echo handler.
func NewEcho(lg logger.Logger) *Echo {
	return &Echo{logger: lg.ForkLogStr("echo")}
}

// ServeStream implements routing.Handler.
func (e *Echo) ServeStream(ctx context.Context, stream *tunnel.Stream) error {
	n, err := io.Copy(stream, stream)
	if err != nil {
		e.logger.DLogf("Echo ended after %d bytes: %v", n, err)
		return err
	}
	e.logger.DLogf("Echoed %d bytes", n)
	return stream.CloseWrite()
}
