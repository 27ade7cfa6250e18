package snocatnet

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"testing"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// testPipe is a fake Pipe preloaded with random readable data. It records
// everything written to it and whether its write half was closed.
type testPipe struct {
	*asyncobj.Helper
	t                     *testing.T
	id                    int
	name                  string
	readableData          []byte
	remainingReadableData []byte
	writtenData           []byte
	writeClosed           bool
}

func newTestPipe(t *testing.T, lg logger.Logger, id int) *testPipe {
	nbReadable := rand.Intn(128*1024) + 16*1024
	readableData := make([]byte, nbReadable)
	rand.Read(readableData)
	name := fmt.Sprintf("<testPipe %d>", id)
	p := &testPipe{
		t:                     t,
		id:                    id,
		name:                  name,
		readableData:          readableData,
		remainingReadableData: readableData,
		writtenData:           make([]byte, 0, 16*1024),
	}
	p.Helper = asyncobj.NewHelper(lg.ForkLogStr(name), p)
	p.SetIsActivated()
	return p
}

func (p *testPipe) String() string {
	return p.name
}

func (p *testPipe) HandleOnceShutdown(completionErr error) error {
	return completionErr
}

func (p *testPipe) Read(buf []byte) (int, error) {
	err := p.DeferShutdown()
	nr := 0
	if err == nil {
		nb := len(buf)
		p.Lock.Lock()
		if nb > 0 && len(p.remainingReadableData) == 0 {
			err = io.EOF
		} else {
			if nb > len(p.remainingReadableData) {
				nb = len(p.remainingReadableData)
			}
			copy(buf, p.remainingReadableData[:nb])
			p.remainingReadableData = p.remainingReadableData[nb:]
			nr = nb
		}
		p.Lock.Unlock()
	}
	p.UndeferShutdown()
	return nr, err
}

func (p *testPipe) Write(buf []byte) (int, error) {
	err := p.DeferShutdown()
	nw := 0
	if err == nil {
		p.Lock.Lock()
		if p.writeClosed {
			err = p.WLogErrorf("Write side already closed")
			p.t.Error(err)
		} else {
			p.writtenData = append(p.writtenData, buf...)
			nw = len(buf)
		}
		p.Lock.Unlock()
	}
	p.UndeferShutdown()
	return nw, err
}

func (p *testPipe) CloseWrite() error {
	err := p.DeferShutdown()
	if err == nil {
		p.Lock.Lock()
		p.writeClosed = true
		p.Lock.Unlock()
	}
	p.UndeferShutdown()
	return err
}

func (p *testPipe) Close() error {
	return p.Helper.Close()
}

func testLogger(t *testing.T, prefix string) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(prefix),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

func TestBridge(t *testing.T) {
	lg := testLogger(t, "TestBridge")

	p0 := newTestPipe(t, lg, 0)
	p1 := newTestPipe(t, lg, 1)
	pipes := []*testPipe{p0, p1}

	b := NewBridge(lg, p0, p1, 0)

	err := b.WaitShutdown()
	if err != nil {
		t.Errorf("Bridge failed: %v", err)
	}
	for _, p := range pipes {
		if !p.IsDoneShutdown() {
			t.Errorf("%v was not shut down by bridge", p)
		}
		if err := p.WaitShutdown(); err != nil {
			t.Errorf("%v had final completion error: %v", p, err)
		}
	}
	for _, p := range pipes {
		other := pipes[1-p.id]
		if nbUnread := len(p.remainingReadableData); nbUnread != 0 {
			t.Errorf("%v had %v unread bytes of data out of %v", p, nbUnread, len(p.readableData))
		}
		if !p.writeClosed {
			t.Errorf("Write side of %v was never explicitly closed", p)
		}
		anbw := uint64(len(p.writtenData))
		expectedNbw := uint64(len(other.readableData))
		nbw := b.GetNumBytesWritten(p.id)
		if anbw != nbw {
			t.Errorf("%v actual written byte count (%v) does not match GetNumBytesWritten(%d) (%v)", p, anbw, p.id, nbw)
		}
		if anbw != expectedNbw {
			t.Errorf("%v only received %v bytes out of %v available from %v", p, anbw, expectedNbw, other)
		} else {
			for i, got := range p.writtenData {
				if expected := other.readableData[i]; got != expected {
					t.Errorf("Pipe %d had incorrect byte %v written at offset %d; expected %v", p.id, got, i, expected)
					break
				}
			}
		}
	}
}
