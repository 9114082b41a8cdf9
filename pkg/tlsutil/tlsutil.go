// Package tlsutil builds crypto/tls configs from security settings.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/pkg/security"
)

// LoadServerTLSConfig creates a tls.Config for the gateway listener. Returns nil when
// TLS is disabled.
func LoadServerTLSConfig(cfg security.ServerTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}

	if len(cfg.ClientCAFiles) > 0 || cfg.RequireClientCert {
		if err := applyMTLSConfig(tlsConfig, cfg); err != nil {
			return nil, err
		}
	}
	return tlsConfig, nil
}

// LoadClientTLSConfig creates a tls.Config for broker and status API connections.
// Returns nil when TLS is disabled.
func LoadClientTLSConfig(cfg security.ClientTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion: parseTLSVersion(cfg.MinVersion),
		ServerName: cfg.ServerName,
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if err := appendPEMFiles(rootCAs, cfg.CAFiles, "LoadClientTLSConfig"); err != nil {
		return nil, err
	}
	tlsConfig.RootCAs = rootCAs

	// Setting this is intentional via config; operators know the implications
	if cfg.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		clientCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}
	return tlsConfig, nil
}

// applyMTLSConfig makes the server verify client certificates
func applyMTLSConfig(tlsConfig *tls.Config, cfg security.ServerTLSConfig) error {
	clientCAs := x509.NewCertPool()
	if err := appendPEMFiles(clientCAs, cfg.ClientCAFiles, "applyMTLSConfig"); err != nil {
		return err
	}

	tlsConfig.ClientCAs = clientCAs
	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(cfg.AllowedClientCNs) > 0 {
		allowed := cfg.AllowedClientCNs
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
			if len(verifiedChains) == 0 && !cfg.RequireClientCert {
				return nil
			}
			return verifyAllowedClientCN(verifiedChains, allowed)
		}
	}
	return nil
}

func appendPEMFiles(pool *x509.CertPool, files []string, method string) error {
	for _, caFile := range files {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return errors.WrapFatal(err, "tlsutil", method, fmt.Sprintf("read CA file %s", caFile))
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return errors.WrapFatal(fmt.Errorf("invalid PEM data"), "tlsutil", method,
				fmt.Sprintf("parse CA certificate from %s", caFile))
		}
	}
	return nil
}

// verifyAllowedClientCN checks the leaf certificate CN against the allow list
func verifyAllowedClientCN(chains [][]*x509.Certificate, allowedCNs []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}

	leaf := chains[0][0]
	for _, cn := range allowedCNs {
		if leaf.Subject.CommonName == cn {
			return nil
		}
	}
	return fmt.Errorf("client certificate CN '%s' not in allowed list", leaf.Subject.CommonName)
}

// parseTLSVersion returns tls.VersionTLS12 unless "1.3" is requested
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
