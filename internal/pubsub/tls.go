package pubsub

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/pkcs12"

	apperrors "github.com/PetoAdam/homenavi/govee-adapter/pkg/errors"
)

// CertConfig selects the TLS mode of the certificate broker. Client material
// is either a PEM cert/key pair or a PKCS#12 bundle.
type CertConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	RootCAFile     string `mapstructure:"root_ca_file"`
	CertFile       string `mapstructure:"cert_file"`
	KeyFile        string `mapstructure:"key_file"`
	PKCS12File     string `mapstructure:"pkcs12_file"`
	PKCS12Password string `mapstructure:"pkcs12_password"`
	AllowInsecure  bool   `mapstructure:"allow_insecure_tls"`
}

// TLSConfig builds the broker TLS settings. With certificates enabled the
// material must be present and valid, otherwise a ConfigError is returned.
// With certificates disabled the server is verified against the system roots
// unless AllowInsecure is set.
func (c CertConfig) TLSConfig() (*tls.Config, error) {
	if !c.Enabled {
		return ServerTLS(c.AllowInsecure), nil
	}

	if strings.TrimSpace(c.RootCAFile) == "" {
		return nil, apperrors.NewConfigError("root_ca_file", "certificate mode requires a root CA", nil)
	}
	caPEM, err := os.ReadFile(c.RootCAFile)
	if err != nil {
		return nil, apperrors.NewConfigError("root_ca_file", "cannot read root CA", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, apperrors.NewConfigError("root_ca_file", "no certificates found in root CA file", nil)
	}

	var cert tls.Certificate
	switch {
	case strings.TrimSpace(c.PKCS12File) != "":
		cert, err = loadPKCS12(c.PKCS12File, c.PKCS12Password)
	case strings.TrimSpace(c.CertFile) != "" && strings.TrimSpace(c.KeyFile) != "":
		cert, err = tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			err = apperrors.NewConfigError("cert_file", "cannot load client certificate", err)
		}
	default:
		err = apperrors.NewConfigError("cert_file", "certificate mode requires a client cert and key or a pkcs12 bundle", nil)
	}
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ServerTLS is the TLS config for brokers reached without client
// certificates.
func ServerTLS(allowInsecure bool) *tls.Config {
	if allowInsecure {
		slog.Warn("broker TLS verification disabled (allow_insecure_tls); connection is NOT authenticated")
		return &tls.Config{InsecureSkipVerify: true}
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

func loadPKCS12(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, apperrors.NewConfigError("pkcs12_file", "cannot read pkcs12 bundle", err)
	}
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return tls.Certificate{}, apperrors.NewConfigError("pkcs12_file", "cannot decode pkcs12 bundle", err)
	}
	var certPEM, keyPEM []byte
	for _, b := range blocks {
		switch b.Type {
		case "CERTIFICATE":
			certPEM = append(certPEM, pem.EncodeToMemory(b)...)
		case "PRIVATE KEY":
			keyPEM = append(keyPEM, pem.EncodeToMemory(b)...)
		}
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return tls.Certificate{}, apperrors.NewConfigError("pkcs12_file", fmt.Sprintf("bundle has %d blocks but no cert/key pair", len(blocks)), nil)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, apperrors.NewConfigError("pkcs12_file", "invalid cert/key pair in pkcs12 bundle", err)
	}
	return cert, nil
}
