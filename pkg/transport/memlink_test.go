package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

func TestMemLinkStreamRoundTrip(t *testing.T) {
	dialed, accepted := NewMemLinkPair(nil, nil)
	defer dialed.Close("test done")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := []byte("ping over a loopback stream")
	done := make(chan error, 1)
	go func() {
		st, err := accepted.AcceptStream(ctx)
		if err != nil {
			done <- err
			return
		}
		buf, err := io.ReadAll(st)
		if err != nil {
			done <- err
			return
		}
		if !bytes.Equal(buf, payload) {
			t.Errorf("accept side read %q, want %q", buf, payload)
		}
		_, err = st.Write(buf)
		if err == nil {
			err = st.CloseWrite()
		}
		done <- err
	}()

	st, err := dialed.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	if _, err := st.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := st.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite failed: %v", err)
	}
	echoed, err := io.ReadAll(st)
	if err != nil {
		t.Fatalf("read echo failed: %v", err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Errorf("dial side read %q, want %q", echoed, payload)
	}
	if err := <-done; err != nil {
		t.Fatalf("accept side failed: %v", err)
	}
}

func TestMemLinkStreamIDs(t *testing.T) {
	dialed, accepted := NewMemLinkPair(nil, nil)
	defer dialed.Close("test done")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		st, err := dialed.OpenStream(ctx)
		if err != nil {
			t.Fatalf("OpenStream %d failed: %v", i, err)
		}
		if want := int64(i * 4); st.StreamID() != want {
			t.Errorf("dialer stream %d id = %d, want %d", i, st.StreamID(), want)
		}
	}
	st, err := accepted.OpenStream(ctx)
	if err != nil {
		t.Fatalf("acceptor OpenStream failed: %v", err)
	}
	if st.StreamID() != 1 {
		t.Errorf("acceptor stream id = %d, want 1", st.StreamID())
	}
}

func TestMemLinkAbortIsNotEOF(t *testing.T) {
	dialed, accepted := NewMemLinkPair(nil, nil)
	defer dialed.Close("test done")

	ctx := context.Background()
	near, err := dialed.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	far, err := accepted.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream failed: %v", err)
	}

	near.Abort(7)

	buf := make([]byte, 16)
	_, err = far.Read(buf)
	if err == nil || err == io.EOF {
		t.Fatalf("read on aborted stream returned %v, want a reset error", err)
	}
	if !errors.Is(err, ErrStreamReset) {
		t.Errorf("read error %v does not match ErrStreamReset", err)
	}
}

func TestMemLinkAbortKeepsFirstError(t *testing.T) {
	dialed, accepted := NewMemLinkPair(nil, nil)
	defer dialed.Close("test done")

	ctx := context.Background()
	near, err := dialed.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	far, err := accepted.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream failed: %v", err)
	}

	// Aborts race in with errors of different concrete types: a wrapped
	// link-closed error and a bare context error. The first one sticks
	// and the second must not disturb it.
	pair := near.(*memStream).pair
	pair.abortBoth(fmt.Errorf("%w: going away", ErrLinkClosed))
	pair.abortBoth(context.Canceled)

	buf := make([]byte, 16)
	if _, err := far.Read(buf); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("read after abort returned %v, want ErrLinkClosed", err)
	}
}

func TestMemLinkCloseRacesCanceledOpen(t *testing.T) {
	// A link close racing an OpenStream whose context is canceled at the
	// same moment must not take the process down; both paths abort the
	// pending stream pair with their own error type.
	for i := 0; i < 100; i++ {
		dialed, accepted := NewMemLinkPair(nil, nil)

		ctx, cancel := context.WithCancel(context.Background())
		// Fill the acceptor's queue so the next OpenStream blocks in its
		// select until close or cancel wins.
		for j := 0; j < cap(accepted.accept); j++ {
			if _, err := dialed.OpenStream(ctx); err != nil {
				t.Fatalf("OpenStream %d failed: %v", j, err)
			}
		}

		opened := make(chan struct{})
		go func() {
			defer close(opened)
			dialed.OpenStream(ctx)
		}()
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			dialed.Close("race")
		}()
		go func() {
			defer wg.Done()
			cancel()
		}()
		wg.Wait()

		select {
		case <-opened:
		case <-time.After(time.Second):
			t.Fatal("blocked OpenStream never returned")
		}
	}
}

func TestMemLinkCloseAbortsStreams(t *testing.T) {
	dialed, accepted := NewMemLinkPair(nil, nil)

	ctx := context.Background()
	near, err := dialed.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	if _, err := accepted.AcceptStream(ctx); err != nil {
		t.Fatalf("AcceptStream failed: %v", err)
	}

	dialed.Close("going away")

	select {
	case <-accepted.Done():
	case <-time.After(time.Second):
		t.Fatal("Done was not closed on the peer end")
	}

	buf := make([]byte, 16)
	if _, err := near.Read(buf); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("read after link close returned %v, want ErrLinkClosed", err)
	}
	if _, err := dialed.OpenStream(ctx); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("OpenStream after close returned %v, want ErrLinkClosed", err)
	}
}
