package cli

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/logger"
)

// CertStore holds the daemon's identity certificate and reloads it when
// the files change on disk, so certificate rotation needs no restart.
// Get is consulted on every TLS handshake.
type CertStore struct {
	logger   logger.Logger
	certFile string
	keyFile  string
	current  atomic.Pointer[tls.Certificate]
}

// NewCertStore loads the initial certificate from certFile and keyFile.
func NewCertStore(lg logger.Logger, certFile, keyFile string) (*CertStore, error) {
	s := &CertStore{
		logger:   lg.ForkLogStr("certs"),
		certFile: certFile,
		keyFile:  keyFile,
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the current certificate.
func (s *CertStore) Get() (*tls.Certificate, error) {
	return s.current.Load(), nil
}

func (s *CertStore) reload() error {
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return fmt.Errorf("load certificate %s: %w", s.certFile, err)
	}
	s.current.Store(&cert)
	return nil
}

// Watch reloads the certificate whenever its files change, until ctx is
// done. The parent directories are watched rather than the files
// themselves, since rotation tools typically replace files by rename.
func (s *CertStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dirs := map[string]bool{
		filepath.Dir(s.certFile): true,
		filepath.Dir(s.keyFile):  true,
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	s.logger.DLogf("Watching %s and %s for rotation", s.certFile, s.keyFile)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != s.certFile && ev.Name != s.keyFile {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Cert and key land in separate events; settle before reloading
			// so we never read a mismatched pair.
			pending = time.After(250 * time.Millisecond)
		case <-pending:
			pending = nil
			if err := s.reload(); err != nil {
				s.logger.WLogf("Certificate reload failed, keeping previous: %v", err)
			} else {
				s.logger.ILogf("Certificate reloaded from %s", s.certFile)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WLogf("Certificate watch error: %v", err)
		}
	}
}
