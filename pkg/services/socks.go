package services

import (
	"context"
	"fmt"
	"net"

	socks5 "github.com/armon/go-socks5"
	"github.com/sammck-go/logger"

	"github.com/age-rs/snocat/pkg/routing"
	"github.com/age-rs/snocat/pkg/tunnel"
)

// Tunnel streams satisfy net.Conn, so the socks5 server can speak the
// protocol over them directly.
var _ net.Conn = (*tunnel.Stream)(nil)

// Socks is a service handler that runs a SOCKS5 proxy over each routed
// stream: the peer tunnels a SOCKS session and this side dials out to the
// requested destinations.
type Socks struct {
	logger logger.Logger
	server *socks5.Server
}

var _ routing.Handler = (*Socks)(nil)

// NewSocks creates a Socks handler.
func NewSocks(lg logger.Logger) (*Socks, error) {
	server, err := socks5.New(&socks5.Config{})
	if err != nil {
		return nil, fmt.Errorf("create socks5 server: %w", err)
	}
	return &Socks{
		logger: lg.ForkLogStr("socks"),
		server: server,
	}, nil
}

// ServeStream implements routing.Handler. One stream carries one SOCKS
// session.
func (s *Socks) ServeStream(ctx context.Context, stream *tunnel.Stream) error {
	s.logger.DLogf("SOCKS session on stream %d", stream.StreamID())
	return s.server.ServeConn(stream)
}
