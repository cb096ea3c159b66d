package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/pg-sharding/rcopy/pkg/rlog"
)

// TLSConfig follows the libpq sslmode vocabulary, which operators of the
// other tooling around this project already know.
type TLSConfig struct {
	SslMode      string `json:"sslmode" toml:"sslmode" yaml:"sslmode"`
	KeyFile      string `json:"key_file" toml:"key_file" yaml:"key_file"`
	CertFile     string `json:"cert_file" toml:"cert_file" yaml:"cert_file"`
	RootCertFile string `json:"root_cert_file" toml:"root_cert_file" yaml:"root_cert_file"`
}

// Init builds the client tls.Config for host. A nil result means plain TCP.
//
// Modes:
//   - disable: no TLS
//   - require: TLS without certificate verification
//   - verify-full: TLS, certificate chain and host name are verified
func (c *TLSConfig) Init(host string) (*tls.Config, error) {
	if c == nil || c.SslMode == "" {
		c = &TLSConfig{SslMode: "disable"}
	}

	if (c.CertFile != "" && c.KeyFile == "") || (c.CertFile == "" && c.KeyFile != "") {
		return nil, fmt.Errorf(`both "cert_file" and "key_file" are required`)
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	switch c.SslMode {
	case "disable":
		return nil, nil
	case "require":
		// codeql[go/disabled-certificate-verification]
		tlsConfig.InsecureSkipVerify = true
	case "verify-full":
		tlsConfig.ServerName = host
	default:
		return nil, fmt.Errorf("sslmode %q is invalid", c.SslMode)
	}

	if c.RootCertFile != "" {
		caCertPool := x509.NewCertPool()

		caCert, err := os.ReadFile(c.RootCertFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read CA file: %w", err)
		}

		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("unable to add CA to cert pool")
		}

		tlsConfig.RootCAs = caCertPool
	}

	if c.CertFile != "" && c.KeyFile != "" {
		rlog.Zero.Debug().
			Str("cert_file", c.CertFile).
			Str("key_file", c.KeyFile).
			Msg("loading tls")
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("unable to load X509 key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
