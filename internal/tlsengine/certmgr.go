// Package tlsengine adapts the TCP engine's per-TCB L7 callback to
// crypto/tls in the style of a memory-BIO engine: no TLS bytes are
// synthesized by the data plane itself, only handed to and read back
// from a real TLS implementation over an in-memory pipe.
package tlsengine

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/jroosing/packetforge/internal/config"
)

// LoadCertificate reads a cert/key pair from the paths in cfg, for flows
// that terminate inbound TLS or that present a client certificate.
func LoadCertificate(cfg config.TLS) (tls.Certificate, error) {
	if cfg.Cert == "" || cfg.Key == "" {
		return tls.Certificate{}, fmt.Errorf("tlsengine: cert and key paths are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsengine: load key pair: %w", err)
	}
	return cert, nil
}

// LoadCAPool reads a PEM-encoded CA bundle from cfg.CA, for verifying a
// peer's certificate. Returns nil (use the system pool) if cfg.CA is
// empty.
func LoadCAPool(cfg config.TLS) (*x509.CertPool, error) {
	if cfg.CA == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(cfg.CA)
	if err != nil {
		return nil, fmt.Errorf("tlsengine: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("tlsengine: no certificates parsed from %s", cfg.CA)
	}
	return pool, nil
}

// ClientConfig builds a *tls.Config for an outbound flow: SNI from the
// flow's configured name, a client certificate if cfg names one, and a CA
// pool if cfg names one (falling back to the system pool otherwise).
func ClientConfig(flow config.Flow, tlsCfg config.TLS) (*tls.Config, error) {
	out := &tls.Config{ServerName: flow.SNI, MinVersion: tls.VersionTLS12}
	if tlsCfg.Cert != "" && tlsCfg.Key != "" {
		cert, err := LoadCertificate(tlsCfg)
		if err != nil {
			return nil, err
		}
		out.Certificates = []tls.Certificate{cert}
	}
	pool, err := LoadCAPool(tlsCfg)
	if err != nil {
		return nil, err
	}
	out.RootCAs = pool
	return out, nil
}
