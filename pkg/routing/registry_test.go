package routing

import (
	"context"
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/sammck-go/logger"

	"github.com/age-rs/snocat/pkg/tunnel"
)

func testLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

func nopHandler() Handler {
	return HandlerFunc(func(ctx context.Context, stream *tunnel.Stream) error {
		return nil
	})
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry(testLogger(t))

	if err := r.Register("echo", nopHandler()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := r.Lookup("echo"); err != nil {
		t.Errorf("Lookup of registered selector failed: %v", err)
	}
	if _, err := r.Lookup("nope"); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("Lookup of unknown selector returned %v, want ErrServiceNotFound", err)
	}
}

func TestRegistryDuplicateKeepsOriginal(t *testing.T) {
	r := NewRegistry(testLogger(t))

	var served string
	first := HandlerFunc(func(ctx context.Context, stream *tunnel.Stream) error {
		served = "first"
		return nil
	})
	second := HandlerFunc(func(ctx context.Context, stream *tunnel.Stream) error {
		served = "second"
		return nil
	})

	if err := r.Register("svc", first); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("svc", second); !errors.Is(err, ErrDuplicateService) {
		t.Fatalf("duplicate Register returned %v, want ErrDuplicateService", err)
	}

	h, err := r.Lookup("svc")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	h.ServeStream(context.Background(), nil)
	if served != "first" {
		t.Errorf("duplicate registration displaced the original handler")
	}
}

func TestRegistryDeregisterIsIdempotent(t *testing.T) {
	r := NewRegistry(testLogger(t))

	if err := r.Register("svc", nopHandler()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r.Deregister("svc")
	r.Deregister("svc")
	r.Deregister("never-existed")

	if _, err := r.Lookup("svc"); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("Lookup after Deregister returned %v, want ErrServiceNotFound", err)
	}

	// The selector is reusable after deregistration.
	if err := r.Register("svc", nopHandler()); err != nil {
		t.Errorf("re-Register after Deregister failed: %v", err)
	}
}

func TestRegistrySelectorsSorted(t *testing.T) {
	r := NewRegistry(testLogger(t))
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(name, nopHandler()); err != nil {
			t.Fatalf("Register %q failed: %v", name, err)
		}
	}
	got := r.Selectors()
	want := []string{"alpha", "mid", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Selectors() = %v, want %v", got, want)
	}
}

func TestValidateSelector(t *testing.T) {
	if err := ValidateSelector("proxy/socks"); err != nil {
		t.Errorf("reasonable selector rejected: %v", err)
	}
	if err := ValidateSelector(""); err == nil {
		t.Error("empty selector accepted")
	}
	if err := ValidateSelector(strings.Repeat("x", MaxSelectorLen+1)); err == nil {
		t.Error("oversized selector accepted")
	}
	if err := ValidateSelector("bad\xff\xfe"); err == nil {
		t.Error("non-UTF-8 selector accepted")
	}
}
