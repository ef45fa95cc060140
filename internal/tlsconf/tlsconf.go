// Package tlsconf resolves the STARTTLS/TLS server certificate for an SMTP
// Ingress listener (spec.md §4.8: "TLS key/cert may be provided as path,
// inline PEM, or via environment variable; resolution order: env var ->
// inline -> file"), and, when none of those static sources are configured,
// falls back to certmagic-managed automatic certificates the way the
// teacher's internal/tls/acme loader does.
package tlsconf

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	"github.com/caddyserver/certmagic"

	"github.com/sendzone/sendzoned/internal/slog"
)

// Source names where the certificate and key material come from. Exactly
// one of the three static fields, or ManagedNames, should be set; Resolve
// applies them in the order spec.md §4.8 names.
type Source struct {
	// CertEnv/KeyEnv name environment variables holding PEM-encoded
	// certificate/key material directly (highest priority).
	CertEnv string
	KeyEnv  string

	// CertPEM/KeyPEM carry inline PEM material (second priority).
	CertPEM []byte
	KeyPEM  []byte

	// CertFile/KeyFile name filesystem paths (third priority).
	CertFile string
	KeyFile  string

	// ManagedNames, if non-empty and no static source resolved, requests
	// certmagic-managed automatic certificates for these names.
	ManagedNames []string
	ManagedEmail string
	CacheDir     string

	Log slog.Logger
}

// Resolve builds a *tls.Config carrying the certificate selected per the
// env var -> inline -> file -> certmagic resolution order. Returns
// (nil, nil) if no source is configured at all (TLS disabled).
func Resolve(ctx context.Context, src Source) (*tls.Config, error) {
	if cert, ok, err := fromEnv(src); ok || err != nil {
		return wrap(cert), err
	}
	if cert, ok, err := fromInline(src); ok || err != nil {
		return wrap(cert), err
	}
	if cert, ok, err := fromFile(src); ok || err != nil {
		return wrap(cert), err
	}
	if len(src.ManagedNames) > 0 {
		return fromCertmagic(ctx, src)
	}
	return nil, nil
}

func wrap(cert *tls.Certificate) *tls.Config {
	if cert == nil {
		return nil
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}
}

func fromEnv(src Source) (*tls.Certificate, bool, error) {
	if src.CertEnv == "" || src.KeyEnv == "" {
		return nil, false, nil
	}
	certPEM := os.Getenv(src.CertEnv)
	keyPEM := os.Getenv(src.KeyEnv)
	if certPEM == "" || keyPEM == "" {
		return nil, false, nil
	}
	cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, true, fmt.Errorf("tlsconf: env var certificate: %w", err)
	}
	return &cert, true, nil
}

func fromInline(src Source) (*tls.Certificate, bool, error) {
	if len(src.CertPEM) == 0 || len(src.KeyPEM) == 0 {
		return nil, false, nil
	}
	cert, err := tls.X509KeyPair(src.CertPEM, src.KeyPEM)
	if err != nil {
		return nil, true, fmt.Errorf("tlsconf: inline certificate: %w", err)
	}
	return &cert, true, nil
}

func fromFile(src Source) (*tls.Certificate, bool, error) {
	if src.CertFile == "" || src.KeyFile == "" {
		return nil, false, nil
	}
	cert, err := tls.LoadX509KeyPair(src.CertFile, src.KeyFile)
	if err != nil {
		return nil, true, fmt.Errorf("tlsconf: file certificate: %w", err)
	}
	return &cert, true, nil
}

// fromCertmagic manages certificates for src.ManagedNames automatically,
// grounded on the teacher's internal/tls/acme loader.
func fromCertmagic(ctx context.Context, src Source) (*tls.Config, error) {
	cacheDir := src.CacheDir
	if cacheDir == "" {
		cacheDir = "./var/tlsconf-certmagic"
	}

	cmLog := src.Log.Zap()
	store := &certmagic.FileStorage{Path: cacheDir}

	var cfg *certmagic.Config
	cache := certmagic.NewCache(certmagic.CacheOptions{
		Logger: cmLog,
		GetConfigForCert: func(certmagic.Certificate) (*certmagic.Config, error) {
			return cfg, nil
		},
	})
	cfg = certmagic.New(cache, certmagic.Config{
		Storage:           store,
		Logger:            cmLog,
		DefaultServerName: src.ManagedNames[0],
	})
	issuer := certmagic.NewACMEIssuer(cfg, certmagic.ACMEIssuer{
		Logger: cmLog,
		CA:     certmagic.LetsEncryptProductionCA,
		Email:  src.ManagedEmail,
		Agreed: true,
	})
	cfg.Issuers = []certmagic.Issuer{issuer}

	if err := cfg.ManageAsync(ctx, src.ManagedNames); err != nil {
		return nil, fmt.Errorf("tlsconf: certmagic manage: %w", err)
	}

	return &tls.Config{
		GetCertificate: cfg.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}, nil
}
