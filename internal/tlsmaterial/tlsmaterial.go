// Package tlsmaterial loads PEM certificate/key/CA material into the
// *tls.Config values the acceptor and connector consume. It is the "TLS
// certificate/key parsing" collaborator kept separate from the engines — the
// core never parses PEM itself.
package tlsmaterial

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// LoadServerConfig builds a server-side *tls.Config from a cert/key pair.
func LoadServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsmaterial: loading server keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// LoadClientConfig builds a client-side *tls.Config for the connector. When
// caFile is non-empty, it is used to validate the upstream certificate.
// When empty, verification is disabled — a documented, deliberate weakness
// for controlled deployments.
func LoadClientConfig(caFile string) (*tls.Config, error) {
	if caFile == "" {
		return &tls.Config{InsecureSkipVerify: true}, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("tlsmaterial: reading CA file: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tlsmaterial: no certificates found in %s", caFile)
	}

	return &tls.Config{RootCAs: pool}, nil
}
