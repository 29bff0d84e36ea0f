package cert

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPaths(dir string) Paths {
	return Paths{
		CACert:     filepath.Join(dir, "ca", "ca.crt"),
		CAKey:      filepath.Join(dir, "ca", "ca.key"),
		ServerCert: filepath.Join(dir, "server", "server.crt"),
		ServerKey:  filepath.Join(dir, "server", "server.key"),
	}
}

func TestEnsure_GeneratesChain(t *testing.T) {
	paths := testPaths(t.TempDir())
	require.NoError(t, Ensure(paths, []string{"relay.local", "10.0.0.1"}))

	caCert, _, err := LoadCA(paths.CACert, paths.CAKey)
	require.NoError(t, err)
	assert.True(t, caCert.IsCA)

	block, err := readPEM(paths.ServerCert)
	require.NoError(t, err)
	serverCert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.Equal(t, []string{"relay.local"}, serverCert.DNSNames)
	require.Len(t, serverCert.IPAddresses, 1)
	assert.Equal(t, "10.0.0.1", serverCert.IPAddresses[0].String())

	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	_, err = serverCert.Verify(x509.VerifyOptions{
		DNSName:   "relay.local",
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	assert.NoError(t, err)

	info, err := os.Stat(paths.ServerKey)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestEnsure_KeepsExisting(t *testing.T) {
	paths := testPaths(t.TempDir())
	require.NoError(t, Ensure(paths, nil))

	before, err := os.ReadFile(paths.ServerCert)
	require.NoError(t, err)

	require.NoError(t, Ensure(paths, []string{"other.host"}))
	after, err := os.ReadFile(paths.ServerCert)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestIssueClientCert(t *testing.T) {
	dir := t.TempDir()
	paths := testPaths(dir)
	require.NoError(t, Ensure(paths, nil))

	certPath := filepath.Join(dir, "agents", "bot1.crt")
	keyPath := filepath.Join(dir, "agents", "bot1.key")
	require.NoError(t, IssueClientCert(paths.CACert, paths.CAKey, "bot1", certPath, keyPath))

	block, err := readPEM(certPath)
	require.NoError(t, err)
	agentCert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "bot1", agentCert.Subject.CommonName)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, agentCert.ExtKeyUsage)

	assert.Error(t, IssueClientCert(paths.CACert, paths.CAKey, "", certPath, keyPath))
}

func TestAuthority_IssueClient(t *testing.T) {
	paths := testPaths(t.TempDir())
	require.NoError(t, Ensure(paths, nil))

	ca, err := LoadAuthority(paths.CACert, paths.CAKey)
	require.NoError(t, err)

	certPEM, keyPEM, err := ca.IssueClient("bot2")
	require.NoError(t, err)

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "bot2", leaf.Subject.CommonName)

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(ca.CACertPEM()))
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)

	_, _, err = ca.IssueClient("")
	assert.Error(t, err)
}

func TestLoadCA_Missing(t *testing.T) {
	_, _, err := LoadCA("/nonexistent/ca.crt", "/nonexistent/ca.key")
	assert.Error(t, err)
}
