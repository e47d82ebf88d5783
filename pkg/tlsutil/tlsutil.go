// Package tlsutil provides TLS configuration utilities for the network
// filters.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"

	"github.com/SmartCGMS/core-sub005/errors"
)

// ServerConfig describes a TLS listener. ClientCAFile turns on mutual TLS.
type ServerConfig struct {
	CertFile     string
	KeyFile      string
	MinVersion   string
	ClientCAFile string
	AllowedCNs   []string
}

// Enabled reports whether a certificate was configured.
func (c ServerConfig) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// ClientConfig describes a TLS dialer. CertFile and KeyFile present a
// client certificate to servers requiring mutual TLS.
type ClientConfig struct {
	Enabled            bool
	CAFiles            []string
	ServerName         string
	InsecureSkipVerify bool
	MinVersion         string
	CertFile           string
	KeyFile            string
}

// LoadServerTLSConfig returns nil when cfg carries no certificate.
func LoadServerTLSConfig(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "tlsutil", "LoadServerTLSConfig",
			"certificate and key must be set together")
	}

	version, err := ParseVersion(cfg.MinVersion)
	if err != nil {
		return nil, errors.WrapInvalid(err, "tlsutil", "LoadServerTLSConfig", "min version")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   version,
	}

	if cfg.ClientCAFile != "" {
		if err := applyMTLSConfig(tlsConfig, cfg); err != nil {
			return nil, err
		}
	}
	return tlsConfig, nil
}

func applyMTLSConfig(tlsConfig *tls.Config, cfg ServerConfig) error {
	clientCAs := x509.NewCertPool()
	if err := appendPEMFile(clientCAs, cfg.ClientCAFile); err != nil {
		return errors.WrapFatal(err, "tlsutil", "applyMTLSConfig", "load client CA")
	}

	tlsConfig.ClientCAs = clientCAs
	tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert

	if len(cfg.AllowedCNs) > 0 {
		allowed := cfg.AllowedCNs
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(chains, allowed)
		}
	}
	return nil
}

func verifyAllowedClientCN(chains [][]*x509.Certificate, allowedCNs []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return fmt.Errorf("no verified client certificate")
	}
	cn := chains[0][0].Subject.CommonName
	if !slices.Contains(allowedCNs, cn) {
		return fmt.Errorf("client certificate CN %q not allowed", cn)
	}
	return nil
}

// LoadClientTLSConfig returns nil when TLS is disabled. The system CA
// bundle is trusted first and CAFiles are added to it.
func LoadClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	version, err := ParseVersion(cfg.MinVersion)
	if err != nil {
		return nil, errors.WrapInvalid(err, "tlsutil", "LoadClientTLSConfig", "min version")
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, caFile := range cfg.CAFiles {
		if err := appendPEMFile(rootCAs, caFile); err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load CA "+caFile)
		}
	}

	tlsConfig := &tls.Config{
		RootCAs:            rootCAs,
		ServerName:         cfg.ServerName,
		MinVersion:         version,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator choice, test rigs only
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func appendPEMFile(pool *x509.CertPool, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !pool.AppendCertsFromPEM(data) {
		return fmt.Errorf("%s: %w", path, errors.ErrInvalidData)
	}
	return nil
}

// ParseVersion converts "1.2" or "1.3" to its crypto/tls constant. An
// empty string means TLS 1.2.
func ParseVersion(version string) (uint16, error) {
	switch version {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", version)
	}
}
