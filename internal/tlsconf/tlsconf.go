// Package tlsconf builds client TLS configuration from opaque PEM material.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Options describes client TLS material. Each file field holds either PEM
// content or a path to a PEM file.
type Options struct {
	Enabled       bool
	CheckHostname bool
	CAFile        string
	CertFile      string
	KeyFile       string
	Password      string // decrypts KeyFile when it is an encrypted PEM block
}

// Build returns nil when TLS is disabled.
func Build(opts Options) (*tls.Config, error) {
	if !opts.Enabled {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	var roots *x509.CertPool
	if opts.CAFile != "" {
		ca, err := readPEM(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(ca) {
			return nil, errors.New("CA contains no PEM certificates")
		}
		cfg.RootCAs = roots
	}

	if opts.CertFile != "" || opts.KeyFile != "" {
		cert, err := loadKeyPair(opts.CertFile, opts.KeyFile, opts.Password)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if !opts.CheckHostname {
		// Keep chain verification, drop the hostname check.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verifyChain(roots)
	}

	return cfg, nil
}

func verifyChain(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("peer presented no certificate")
		}

		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			c, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs = append(certs, c)
		}

		intermediates := x509.NewCertPool()
		for _, c := range certs[1:] {
			intermediates.AddCert(c)
		}

		_, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
		})
		return err
	}
}

func loadKeyPair(certFile, keyFile, password string) (tls.Certificate, error) {
	if certFile == "" || keyFile == "" {
		return tls.Certificate{}, errors.New("both certfile and keyfile are required for client authentication")
	}

	certPEM, err := readPEM(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := readPEM(keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read key: %w", err)
	}

	if password != "" {
		keyPEM, err = decryptKey(keyPEM, password)
		if err != nil {
			return tls.Certificate{}, err
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("invalid key pair: %w", err)
	}
	return cert, nil
}

func decryptKey(keyPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("key contains no PEM block")
	}
	//nolint:staticcheck // legacy encrypted PEM keys are what brokers and ZooKeeper tooling emit
	if !x509.IsEncryptedPEMBlock(block) {
		return keyPEM, nil
	}
	//nolint:staticcheck
	der, err := x509.DecryptPEMBlock(block, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

// readPEM returns v itself when it is inline PEM content, otherwise the file it names.
func readPEM(v string) ([]byte, error) {
	if strings.Contains(v, "-----BEGIN") {
		return []byte(v), nil
	}
	return os.ReadFile(v)
}
