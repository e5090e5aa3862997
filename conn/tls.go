package conn

import (
	"crypto/x509"
	"fmt"
	"os"
)

// loadCAPool reads a PEM CA bundle for server-certificate verification
// (ssl_ca, §3).
func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ssl_ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no valid certificates found in ssl_ca file")
	}
	return pool, nil
}
