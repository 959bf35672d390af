package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/killkrill-sub000/pkg/security"
)

type testCert struct {
	certFile, keyFile string
	cert              *x509.Certificate
}

// writeCert creates a self-signed certificate usable as server, client and CA.
func writeCert(t *testing.T, dir, cn string) testCert {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	parsed, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	tc := testCert{
		certFile: filepath.Join(dir, cn+".crt"),
		keyFile:  filepath.Join(dir, cn+".key"),
		cert:     parsed,
	}
	require.NoError(t, os.WriteFile(tc.certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(tc.keyFile, pem.EncodeToMemory(&pem.Block{
		Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), 0o600))
	return tc
}

func TestLoadServerTLSConfig(t *testing.T) {
	dir := t.TempDir()
	server := writeCert(t, dir, "localhost")

	cfg, err := LoadServerTLSConfig(security.ServerTLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled: true, CertFile: server.certFile, KeyFile: server.keyFile, MinVersion: "1.3",
	})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	_, err = LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled: true, CertFile: filepath.Join(dir, "missing.crt"), KeyFile: server.keyFile,
	})
	assert.Error(t, err)

	_, err = LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled: true, CertFile: server.certFile, KeyFile: server.keyFile,
		MTLS: security.ServerMTLSConfig{Enabled: true, ClientCAFiles: []string{filepath.Join(dir, "nope.pem")}},
	})
	assert.Error(t, err)
}

func TestLoadClientTLSConfig(t *testing.T) {
	dir := t.TempDir()
	ca := writeCert(t, dir, "ca")

	cfg, err := LoadClientTLSConfig(security.ClientTLSConfig{CAFiles: []string{ca.certFile}})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Empty(t, cfg.Certificates)

	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not pem"), 0o644))
	_, err = LoadClientTLSConfig(security.ClientTLSConfig{CAFiles: []string{bad}})
	assert.Error(t, err)

	cfg, err = LoadClientTLSConfig(security.ClientTLSConfig{
		MTLS: security.ClientMTLSConfig{Enabled: true, CertFile: ca.certFile, KeyFile: ca.keyFile},
	})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
}

func TestVerifyAllowedClientCN(t *testing.T) {
	dir := t.TempDir()
	c := writeCert(t, dir, "shipper")
	chains := [][]*x509.Certificate{{c.cert}}

	assert.NoError(t, verifyAllowedClientCN(chains, []string{"other", "shipper"}))
	assert.Error(t, verifyAllowedClientCN(chains, []string{"other"}))
	assert.Error(t, verifyAllowedClientCN(nil, []string{"shipper"}))
}

func TestMTLSHandshake(t *testing.T) {
	dir := t.TempDir()
	server := writeCert(t, dir, "localhost")
	allowed := writeCert(t, dir, "shipper")
	other := writeCert(t, dir, "intruder")

	serverCfg, err := LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled: true, CertFile: server.certFile, KeyFile: server.keyFile,
		MTLS: security.ServerMTLSConfig{
			Enabled:           true,
			ClientCAFiles:     []string{allowed.certFile, other.certFile},
			RequireClientCert: true,
			AllowedClientCNs:  []string{"shipper"},
		},
	})
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	client := func(c testCert) *http.Client {
		cfg, err := LoadClientTLSConfig(security.ClientTLSConfig{
			CAFiles: []string{server.certFile},
			MTLS:    security.ClientMTLSConfig{Enabled: c.certFile != "", CertFile: c.certFile, KeyFile: c.keyFile},
		})
		require.NoError(t, err)
		return &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}, Timeout: 5 * time.Second}
	}

	resp, err := client(allowed).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	_, err = client(other).Get(srv.URL)
	assert.Error(t, err, "CN not in allowlist")

	_, err = client(testCert{}).Get(srv.URL)
	assert.Error(t, err, "missing client certificate")
}
