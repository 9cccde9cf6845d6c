// Package tls builds the server-side TLS configuration used for SMTP STARTTLS.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// ErrIncompleteKeyPair is returned when only one of the certificate and key
// paths is set.
var ErrIncompleteKeyPair = errors.New("both cert_file and key_file must be set")

// selfSignedValidity is the lifetime of generated certificates.
const selfSignedValidity = 365 * 24 * time.Hour

// Options selects where the STARTTLS certificate comes from.
type Options struct {
	CertFile   string
	KeyFile    string
	SelfSigned bool

	// Hostname is the subject of a generated certificate.
	Hostname string
}

// Load returns the STARTTLS configuration for opts. A certificate pair on
// disk takes precedence over a generated one. It returns nil, nil when
// STARTTLS is disabled.
func Load(opts Options) (*tls.Config, error) {
	switch {
	case opts.CertFile != "" && opts.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		return serverConfig(cert), nil
	case opts.CertFile != "" || opts.KeyFile != "":
		return nil, ErrIncompleteKeyPair
	case opts.SelfSigned:
		cert, err := SelfSigned(opts.Hostname)
		if err != nil {
			return nil, err
		}
		return serverConfig(cert), nil
	default:
		return nil, nil
	}
}

// SelfSigned generates an in-memory ECDSA P-256 certificate for hostname,
// valid for one year. Loopback addresses are included as IP SANs.
func SelfSigned(hostname string) (tls.Certificate, error) {
	if hostname == "" {
		hostname = "localhost"
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate ECDSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hostname},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{hostname},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func serverConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}
