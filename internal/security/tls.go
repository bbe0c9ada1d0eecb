package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Provider supplies the TLS settings used for authenticated downloads
type Provider interface {
	TLSConfig() (*tls.Config, error)
}

// FileProvider loads a CA bundle and an optional client key pair from disk.
// Files are read on first use and the result is cached.
type FileProvider struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool

	once sync.Once
	cfg  *tls.Config
	err  error
}

// TLSConfig returns a copy of the loaded configuration
func (p *FileProvider) TLSConfig() (*tls.Config, error) {
	p.once.Do(func() {
		p.cfg, p.err = p.load()
	})
	if p.err != nil {
		return nil, p.err
	}
	return p.cfg.Clone(), nil
}

func (p *FileProvider) load() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.InsecureSkipVerify,
	}

	if p.CAFile != "" {
		pem, err := os.ReadFile(p.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("ca file contains no certificates")
		}
		cfg.RootCAs = pool
	}

	if p.CertFile != "" || p.KeyFile != "" {
		if p.CertFile == "" || p.KeyFile == "" {
			return nil, errors.New("cert file and key file must be set together")
		}
		pair, err := tls.LoadX509KeyPair(p.CertFile, p.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	return cfg, nil
}
