package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"

	"github.com/EternisAI/silo-relay/internal/cert"
	"google.golang.org/grpc/credentials"
)

type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	CAFile       string   `mapstructure:"ca_file"`
	CAKeyFile    string   `mapstructure:"ca_key_file"`
	ClientAuth   string   `mapstructure:"client_auth"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	Hosts        []string `mapstructure:"hosts"`
}

// ServerCredentials builds the gRPC server credentials described by cfg. It
// returns nil credentials when TLS is disabled.
func ServerCredentials(cfg Config) (credentials.TransportCredentials, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	clientAuth, err := ParseClientAuthType(cfg.ClientAuth)
	if err != nil {
		return nil, err
	}

	if cfg.AutoGenerate {
		err := cert.Ensure(cert.Paths{
			CACert:     cfg.CAFile,
			CAKey:      cfg.CAKeyFile,
			ServerCert: cfg.CertFile,
			ServerKey:  cfg.KeyFile,
		}, cfg.Hosts)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare TLS certificates: %w", err)
		}
	}

	slog.Info("Loading gRPC TLS credentials", "cert_file", cfg.CertFile, "client_auth", cfg.ClientAuth)
	return LoadServerCredentials(cfg.CertFile, cfg.KeyFile, cfg.CAFile, clientAuth)
}

func LoadServerCredentials(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) (credentials.TransportCredentials, error) {
	serverCert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS12,
	}

	if clientAuth != tls.NoClientCert {
		caPool, err := loadCertPool(caFile)
		if err != nil {
			return nil, err
		}
		config.ClientCAs = caPool
	}

	return credentials.NewTLS(config), nil
}

// LoadClientCredentials builds agent-side credentials. certFile and keyFile
// may be empty when the relay does not ask for client certificates.
func LoadClientCredentials(certFile, keyFile, caFile, serverNameOverride string) (credentials.TransportCredentials, error) {
	caPool, err := loadCertPool(caFile)
	if err != nil {
		return nil, err
	}

	config := &tls.Config{
		RootCAs:    caPool,
		MinVersion: tls.VersionTLS12,
	}

	if certFile != "" && keyFile != "" {
		clientCert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{clientCert}
	}

	if serverNameOverride != "" {
		config.ServerName = serverNameOverride
	}

	return credentials.NewTLS(config), nil
}

func ParseClientAuthType(authType string) (tls.ClientAuthType, error) {
	switch authType {
	case "", "none":
		return tls.NoClientCert, nil
	case "request":
		return tls.RequestClientCert, nil
	case "require":
		return tls.RequireAndVerifyClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("invalid client auth type: %s (valid: none, request, require)", authType)
	}
}

func loadCertPool(caFile string) (*x509.CertPool, error) {
	ca, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}
	return pool, nil
}
