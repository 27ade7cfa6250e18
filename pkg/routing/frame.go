// Package routing matches newly opened tunnel streams to registered
// service handlers. The opening side writes one small framed request
// naming a service selector; the accepting side reads exactly that frame,
// answers with an accept or reject frame, and only then does application
// payload flow. Rejection for an unknown selector is therefore an
// explicit signal, never a timeout.
package routing

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// MaxFrameLen bounds the encoded size of a routing frame in either
	// direction. A peer announcing a longer frame is malformed and its
	// stream is refused.
	MaxFrameLen = 16 * 1024

	// MaxSelectorLen bounds the service selector string.
	MaxSelectorLen = 1024
)

// ErrMalformedRequest is wrapped by errors reported for routing frames
// that cannot be decoded or that fail validation.
var ErrMalformedRequest = errors.New("malformed routing request")

// Reject codes carried in a Response frame.
const (
	// CodeServiceNotFound: no handler is registered for the selector.
	CodeServiceNotFound = "service-not-found"
	// CodeBadRequest: the request frame was malformed.
	CodeBadRequest = "bad-request"
	// CodeUnavailable: a handler exists but the daemon cannot serve the
	// stream, for example because it is shutting down.
	CodeUnavailable = "unavailable"
)

// Request is the frame the stream opener sends first: which service the
// stream is for, plus optional metadata for the handler.
type Request struct {
	Selector string            `json:"selector"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Response is the accepting side's answer. OK means the selector matched
// a handler and payload may flow; otherwise Code names the rejection.
type Response struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// ValidateSelector reports whether selector is usable as a service name.
func ValidateSelector(selector string) error {
	if selector == "" {
		return fmt.Errorf("%w: empty selector", ErrMalformedRequest)
	}
	if len(selector) > MaxSelectorLen {
		return fmt.Errorf("%w: selector exceeds %d bytes", ErrMalformedRequest, MaxSelectorLen)
	}
	if !utf8.ValidString(selector) {
		return fmt.Errorf("%w: selector is not valid UTF-8", ErrMalformedRequest)
	}
	return nil
}

// writeFrame encodes v as JSON behind a 4-byte big-endian length prefix.
func writeFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameLen {
		return fmt.Errorf("routing frame of %d bytes exceeds limit %d", len(body), MaxFrameLen)
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

// readFrame reads one length-prefixed JSON frame into v. It consumes
// exactly the frame's bytes and nothing beyond, so payload following the
// frame is untouched.
func readFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameLen {
		return fmt.Errorf("%w: frame length %d out of range", ErrMalformedRequest, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return nil
}
