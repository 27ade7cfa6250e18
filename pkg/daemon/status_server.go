package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// StatusServer serves the daemon's observability snapshot over plain
// HTTP: live tunnels, registered services, and counters. It is meant for
// a loopback or otherwise trusted address; it carries no payload data and
// no authentication.
type StatusServer struct {
	*asyncobj.Helper
	daemon   *Daemon
	server   *http.Server
	listener net.Listener
	started  time.Time
}

// NewStatusServer creates a StatusServer for d. logRequests wraps the
// handler with per-request logging, for debug deployments.
func NewStatusServer(lg logger.Logger, d *Daemon, logRequests bool) *StatusServer {
	s := &StatusServer{
		daemon:  d,
		server:  &http.Server{},
		started: time.Now(),
	}
	s.Helper = asyncobj.NewHelper(lg.ForkLogStr("status"), s)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	var handler http.Handler = mux
	if logRequests {
		handler = requestlog.Wrap(handler)
	}
	s.server.Handler = handler
	return s
}

// ListenAndServe runs the status server on addr until the server is shut
// down or ctx is canceled.
func (s *StatusServer) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return s.DLogErrorf("Status listen on %s failed: %s", addr, err)
	}
	s.Lock.Lock()
	s.listener = l
	s.Lock.Unlock()
	s.SetIsActivated()
	s.ILogf("Status endpoint on http://%v", l.Addr())

	go func() {
		select {
		case <-ctx.Done():
			s.StartShutdown(nil)
		case <-s.ShutdownDoneChan():
		}
	}()
	go func() {
		err := s.server.Serve(l)
		if err == http.ErrServerClosed {
			err = nil
		}
		s.StartShutdown(err)
	}()
	return s.WaitShutdown()
}

// Addr returns the bound listener address, or nil before ListenAndServe
// has bound it. Useful when listening on port 0.
func (s *StatusServer) Addr() net.Addr {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine.
// It takes completionErr as an advisory completion value, actually shuts
// down, then returns the real completion value.
func (s *StatusServer) HandleOnceShutdown(completionErr error) error {
	err := s.server.Close()
	if completionErr == nil && err != http.ErrServerClosed {
		completionErr = err
	}
	return completionErr
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok\n"))
}

// statusDoc is the /status response body.
type statusDoc struct {
	UptimeSeconds int64         `json:"uptime_seconds"`
	Stats         StatsSnapshot `json:"stats"`
	Tunnels       []TunnelInfo  `json:"tunnels"`
	Services      []string      `json:"services"`
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := statusDoc{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Stats:         s.daemon.Stats().Snapshot(),
		Tunnels:       s.daemon.ListTunnels(),
		Services:      s.daemon.ListServices(),
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&doc); err != nil {
		s.DLogf("Status encode failed: %s", err)
	}
}
