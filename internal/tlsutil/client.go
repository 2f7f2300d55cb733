// Package tlsutil builds the TLS configuration used to reach the backend.
// Client certificates are reloaded from disk when the files change, so a
// rotated certificate is presented on the next handshake without a restart.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dskow/resilient-client/internal/config"
)

// CertLoader holds a client certificate and watches its cert and key files.
type CertLoader struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	certFile string
	keyFile  string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCertLoader loads the initial certificate and starts watching the
// directories holding it. Returns an error if the initial load fails.
func NewCertLoader(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	cl := &CertLoader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	if err := cl.load(); err != nil {
		return nil, fmt.Errorf("initial client certificate load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	// Secret mounts swap files by renaming a symlinked directory; watching the
	// parent directories catches that as well as plain writes.
	for _, dir := range uniqueDirs(certFile, keyFile) {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	cl.watcher = watcher
	go cl.watchLoop()

	logger.Info("client certificate loaded, watching for changes",
		"cert_file", certFile, "key_file", keyFile)
	return cl, nil
}

// GetClientCertificate is the tls.Config.GetClientCertificate callback.
func (cl *CertLoader) GetClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.cert, nil
}

// Reload re-reads the key pair. On failure the current certificate is kept.
func (cl *CertLoader) Reload() error {
	if err := cl.load(); err != nil {
		cl.logger.Error("client certificate reload failed, keeping current",
			"error", err, "cert_file", cl.certFile)
		return err
	}
	cl.logger.Info("client certificate reloaded", "cert_file", cl.certFile)
	return nil
}

// Stop terminates the file watcher. Safe to call more than once.
func (cl *CertLoader) Stop() {
	cl.stopOnce.Do(func() {
		close(cl.stopCh)
		if cl.watcher != nil {
			cl.watcher.Close()
		}
	})
}

func (cl *CertLoader) load() error {
	cert, err := tls.LoadX509KeyPair(cl.certFile, cl.keyFile)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	cl.cert = &cert
	cl.mu.Unlock()
	return nil
}

func (cl *CertLoader) watchLoop() {
	var debounce *time.Timer
	certBase, keyBase := filepath.Base(cl.certFile), filepath.Base(cl.keyFile)

	for {
		select {
		case event, ok := <-cl.watcher.Events:
			if !ok {
				return
			}
			base := filepath.Base(event.Name)
			if base != certBase && base != keyBase && base != "..data" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, func() {
					cl.Reload() //nolint:errcheck
				})
			}
		case err, ok := <-cl.watcher.Errors:
			if !ok {
				return
			}
			cl.logger.Error("client certificate watcher error", "error", err)
		case <-cl.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func uniqueDirs(paths ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range paths {
		d := filepath.Dir(p)
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// ClientConfig builds a tls.Config for the backend from cfg. It returns a
// nil config when cfg configures nothing. The returned loader, if non-nil,
// must be stopped by the caller.
func ClientConfig(cfg config.ClientTLSConfig, logger *slog.Logger) (*tls.Config, *CertLoader, error) {
	if !cfg.Enabled() && cfg.CAFile == "" && cfg.ServerName == "" {
		return nil, nil, nil
	}
	tc := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: cfg.ServerName,
	}

	if cfg.CAFile != "" {
		pool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, nil, err
		}
		tc.RootCAs = pool
	}

	var loader *CertLoader
	if cfg.Enabled() {
		var err error
		loader, err = NewCertLoader(cfg.CertFile, cfg.KeyFile, logger)
		if err != nil {
			return nil, nil, err
		}
		tc.GetClientCertificate = loader.GetClientCertificate
	}
	return tc, loader, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, errors.New("CA file contains no usable certificates")
	}
	return pool, nil
}
