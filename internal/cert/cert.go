// Package cert generates the relay's private CA, its server certificate and
// client certificates for agents that connect with mutual TLS.
package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	organization = "Silo Relay"
)

type Paths struct {
	CACert     string
	CAKey      string
	ServerCert string
	ServerKey  string
}

// Ensure creates whatever is missing of the CA and the server certificate.
// Existing files are left untouched. hosts may mix DNS names and IPs.
func Ensure(paths Paths, hosts []string) error {
	if !fileExists(paths.CACert) || !fileExists(paths.CAKey) {
		slog.Info("CA certificate not found, generating new CA", "cert_path", paths.CACert)
		caCert, caKey, err := generateCA()
		if err != nil {
			return fmt.Errorf("failed to generate CA certificate: %w", err)
		}
		if err := writePair(caCert, caKey, paths.CACert, paths.CAKey); err != nil {
			return err
		}
	}

	if fileExists(paths.ServerCert) && fileExists(paths.ServerKey) {
		slog.Debug("Using existing server certificate", "cert_path", paths.ServerCert)
		return nil
	}

	caCert, caKey, err := LoadCA(paths.CACert, paths.CAKey)
	if err != nil {
		return err
	}

	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1", "::1"}
	}
	dnsNames, ips := splitHosts(hosts)

	tmpl, err := leafTemplate(hosts[0])
	if err != nil {
		return err
	}
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	tmpl.DNSNames = dnsNames
	tmpl.IPAddresses = ips

	serverCert, serverKey, err := sign(tmpl, caCert, caKey)
	if err != nil {
		return fmt.Errorf("failed to generate server certificate: %w", err)
	}
	if err := writePair(serverCert, serverKey, paths.ServerCert, paths.ServerKey); err != nil {
		return err
	}

	slog.Info("Generated server certificate", "cert_path", paths.ServerCert, "hosts", hosts)
	return nil
}

// IssueClientCert signs a client certificate for agentID with the CA at
// caCertPath/caKeyPath and writes it to certPath/keyPath.
func IssueClientCert(caCertPath, caKeyPath, agentID, certPath, keyPath string) error {
	ca, err := LoadAuthority(caCertPath, caKeyPath)
	if err != nil {
		return err
	}
	agentCert, agentKey, err := ca.issue(agentID)
	if err != nil {
		return err
	}
	if err := writePair(agentCert, agentKey, certPath, keyPath); err != nil {
		return err
	}

	slog.Info("Issued agent certificate", "agent_id", agentID, "cert_path", certPath)
	return nil
}

// Authority signs agent client certificates with a loaded CA.
type Authority struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
}

func LoadAuthority(certPath, keyPath string) (*Authority, error) {
	caCert, caKey, err := LoadCA(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &Authority{
		cert:    caCert,
		key:     caKey,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw}),
	}, nil
}

func (a *Authority) CACertPEM() []byte {
	return a.certPEM
}

// IssueClient returns a PEM certificate and PKCS8 key for agentID.
func (a *Authority) IssueClient(agentID string) (certPEM, keyPEM []byte, err error) {
	agentCert, agentKey, err := a.issue(agentID)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(agentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: agentCert.Raw})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func (a *Authority) issue(agentID string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	if agentID == "" {
		return nil, nil, errors.New("agent id is required")
	}
	tmpl, err := leafTemplate(agentID)
	if err != nil {
		return nil, nil, err
	}
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}

	agentCert, agentKey, err := sign(tmpl, a.cert, a.key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate agent certificate: %w", err)
	}
	return agentCert, agentKey, nil
}

func LoadCA(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certBlock, err := readPEM(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyBlock, err := readPEM(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA key: %w", err)
	}
	caKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("CA key is not an ECDSA private key")
	}

	return caCert, caKey, nil
}

func generateCA() (*x509.Certificate, *ecdsa.PrivateKey, error) {
	serial, err := newSerial()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   organization + " Root CA",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return caCert, key, nil
}

func leafTemplate(commonName string) (*x509.Certificate, error) {
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   commonName,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}, nil
}

func sign(tmpl, caCert *x509.Certificate, caKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return c, key, nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

func splitHosts(hosts []string) ([]string, []net.IP) {
	var dnsNames []string
	var ips []net.IP
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, h)
		}
	}
	return dnsNames, ips
}

func writePair(c *x509.Certificate, key *ecdsa.PrivateKey, certPath, keyPath string) error {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	if err := writePEM(certPath, "CERTIFICATE", c.Raw, 0644); err != nil {
		return err
	}
	return writePEM(keyPath, "PRIVATE KEY", keyBytes, 0600)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", path)
	}
	return block, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
