package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sammck-go/logger"

	"github.com/age-rs/snocat/pkg/tunnel"
)

// DefaultHeaderTimeout bounds how long the router waits for a routing
// frame on a freshly opened stream before giving up on the peer.
const DefaultHeaderTimeout = 10 * time.Second

// RejectedError is returned by OpenService when the remote peer refused
// the stream. A service-not-found rejection additionally matches
// ErrServiceNotFound via errors.Is.
type RejectedError struct {
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("stream rejected by peer (%s): %s", e.Code, e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrServiceNotFound && e.Code == CodeServiceNotFound
}

// Router performs the selector exchange on both ends of a stream: it
// dispatches inbound streams to registry handlers and stamps outbound
// streams with the selector the far side should dispatch on.
type Router struct {
	logger        logger.Logger
	registry      *Registry
	headerTimeout time.Duration
}

// NewRouter creates a Router dispatching to registry. headerTimeout
// bounds the initial frame exchange; 0 means DefaultHeaderTimeout.
func NewRouter(lg logger.Logger, registry *Registry, headerTimeout time.Duration) *Router {
	if headerTimeout == 0 {
		headerTimeout = DefaultHeaderTimeout
	}
	return &Router{
		logger:        lg.ForkLogStr("router"),
		registry:      registry,
		headerTimeout: headerTimeout,
	}
}

// Registry returns the registry this router dispatches to.
func (r *Router) Registry() *Registry { return r.registry }

// ServeInbound reads the routing request from an inbound stream,
// dispatches it to the matching handler, and closes the stream when the
// handler returns. An unknown selector is answered with an explicit
// rejection frame and the stream ends with zero payload bytes exchanged.
// ServeInbound does not return until the stream is finished; callers run
// it on its own goroutine.
func (r *Router) ServeInbound(ctx context.Context, stream *tunnel.Stream) error {
	var req Request
	stream.SetReadDeadline(time.Now().Add(r.headerTimeout))
	err := readFrame(stream, &req)
	stream.SetReadDeadline(time.Time{})
	if err != nil {
		r.logger.WLogf("Bad routing frame from %v: %v", stream.RemoteAddr(), err)
		r.reject(stream, CodeBadRequest, err.Error())
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if err := ValidateSelector(req.Selector); err != nil {
		r.reject(stream, CodeBadRequest, err.Error())
		return err
	}

	handler, err := r.registry.Lookup(req.Selector)
	if err != nil {
		r.logger.DLogf("No service registered for selector %q", req.Selector)
		r.reject(stream, CodeServiceNotFound, fmt.Sprintf("no service registered for %q", req.Selector))
		return fmt.Errorf("selector %q: %w", req.Selector, ErrServiceNotFound)
	}

	stream.SetWriteDeadline(time.Now().Add(r.headerTimeout))
	err = writeFrame(stream, &Response{OK: true})
	stream.SetWriteDeadline(time.Time{})
	if err != nil {
		stream.Abort(1)
		return fmt.Errorf("write routing accept: %w", err)
	}

	stream.SetSelector(req.Selector)
	r.logger.DLogf("Dispatching stream %d to service %q", stream.StreamID(), req.Selector)
	err = r.serveWithRecover(ctx, handler, stream)
	stream.Close()
	if err != nil {
		r.logger.WLogf("Service %q handler failed: %v", req.Selector, err)
		return err
	}
	return nil
}

// serveWithRecover isolates handler panics to the stream they occurred
// on; one bad handler must not take down the accept loop.
func (r *Router) serveWithRecover(ctx context.Context, handler Handler, stream *tunnel.Stream) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stream.Abort(1)
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler.ServeStream(ctx, stream)
}

// reject answers an inbound stream with a rejection frame and closes it.
// Best effort: a peer that already went away just gets the close.
func (r *Router) reject(stream *tunnel.Stream, code, reason string) {
	stream.SetWriteDeadline(time.Now().Add(r.headerTimeout))
	writeFrame(stream, &Response{OK: false, Code: code, Error: reason})
	stream.SetWriteDeadline(time.Time{})
	stream.Close()
}

// OpenService performs the opening side of the selector exchange on a
// freshly opened stream: it sends the routing request and waits for the
// peer's answer. On acceptance the stream is ready for payload. On
// rejection or error the stream is closed and the rejection is returned;
// a far-side unknown selector surfaces as ErrServiceNotFound.
func (r *Router) OpenService(stream *tunnel.Stream, selector string, meta map[string]string) error {
	if err := ValidateSelector(selector); err != nil {
		stream.Close()
		return err
	}

	stream.SetDeadline(time.Now().Add(r.headerTimeout))
	defer stream.SetDeadline(time.Time{})

	if err := writeFrame(stream, &Request{Selector: selector, Meta: meta}); err != nil {
		stream.Abort(1)
		return fmt.Errorf("write routing request: %w", err)
	}
	var resp Response
	if err := readFrame(stream, &resp); err != nil {
		stream.Abort(1)
		return fmt.Errorf("read routing response: %w", err)
	}
	if !resp.OK {
		stream.Close()
		rejErr := &RejectedError{Code: resp.Code, Reason: resp.Error}
		if errors.Is(rejErr, ErrServiceNotFound) {
			r.logger.DLogf("Peer has no service %q", selector)
		} else {
			r.logger.WLogf("Peer rejected stream for %q: %v", selector, rejErr)
		}
		return rejErr
	}

	stream.SetSelector(selector)
	return nil
}
