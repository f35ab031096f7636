package icap

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// TLSMode selects how a listener uses TLS.
type TLSMode int

const (
	// TLSOff serves plaintext; upgrade requests are answered with 500.
	TLSOff TLSMode = iota
	// TLSImplicit performs the handshake on accept (the icaps port).
	TLSImplicit
	// TLSUpgrade accepts plaintext and upgrades on OPTIONS * with
	// "Connection: Upgrade".
	TLSUpgrade
)

func (m TLSMode) String() string {
	switch m {
	case TLSImplicit:
		return "implicit"
	case TLSUpgrade:
		return "upgrade"
	}
	return "off"
}

// ParseTLSMode parses "off", "implicit" or "upgrade".
func ParseTLSMode(s string) (TLSMode, error) {
	switch strings.ToLower(s) {
	case "", "off":
		return TLSOff, nil
	case "implicit":
		return TLSImplicit, nil
	case "upgrade":
		return TLSUpgrade, nil
	}
	return TLSOff, fmt.Errorf("icap: unknown TLS mode %q", s)
}

// upgradeProtocol names the TLS version offered in 101 responses.
const upgradeProtocol = "TLS/1.2"

// SecureCipherSuites returns Go's secure cipher suites minus any whose name
// contains RC4 or DES or ends in _SHA.
func SecureCipherSuites() []uint16 {
	var ids []uint16
	for _, cs := range tls.CipherSuites() {
		name := cs.Name
		if strings.Contains(name, "RC4") || strings.Contains(name, "DES") || strings.HasSuffix(name, "_SHA") {
			continue
		}
		ids = append(ids, cs.ID)
	}
	return ids
}

// NewTLSConfig returns the server TLS context: TLS 1.2 only, or 1.1 and 1.2
// when enableTLS11 is set, with SecureCipherSuites. Certificates come from
// certs.
func NewTLSConfig(certs *CertificateReloader, enableTLS11 bool) *tls.Config {
	minVersion := uint16(tls.VersionTLS12)
	if enableTLS11 {
		minVersion = tls.VersionTLS11
	}
	// #nosec G402 -- TLS 1.1 is opt-in only
	return &tls.Config{
		MinVersion:     minVersion,
		MaxVersion:     tls.VersionTLS12,
		CipherSuites:   SecureCipherSuites(),
		GetCertificate: certs.GetCertificate,
	}
}

// CertificateReloader serves a certificate/key pair and reloads it when the
// files change on disk.
type CertificateReloader struct {
	certFile string
	keyFile  string
	log      zerolog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate
}

// NewCertificateReloader loads the pair once. Call Watch to follow changes.
func NewCertificateReloader(certFile, keyFile string, log zerolog.Logger) (*CertificateReloader, error) {
	r := &CertificateReloader{certFile: certFile, keyFile: keyFile, log: log}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reads the pair from disk. The previous certificate stays in use
// if loading fails.
func (r *CertificateReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("load certificate %s: %w", r.certFile, err)
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

// GetCertificate is used as tls.Config.GetCertificate.
func (r *CertificateReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

// Watch reloads the pair on every write, create or rename event for either
// file until ctx is done. The parent directories are watched so that
// replace-by-rename deployments are seen.
func (r *CertificateReloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dirs := map[string]bool{filepath.Dir(r.certFile): true, filepath.Dir(r.keyFile): true}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	certName, keyName := filepath.Clean(r.certFile), filepath.Clean(r.keyFile)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Clean(event.Name)
			if name != certName && name != keyName {
				continue
			}
			if err := r.Reload(); err != nil {
				r.log.Error().Err(err).Str("cert_file", r.certFile).Msg("certificate reload failed")
				continue
			}
			r.log.Info().Str("cert_file", r.certFile).Msg("certificate reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn().Err(err).Msg("certificate watcher error")
		}
	}
}
