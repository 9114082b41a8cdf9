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

	"github.com/c360/entitystream/pkg/security"
)

type certFiles struct {
	cert, key string
}

// writeCert creates a self-signed certificate usable as its own CA
func writeCert(t *testing.T, dir, cn string, usage x509.ExtKeyUsage) certFiles {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"entitystream test"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{usage},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	files := certFiles{
		cert: filepath.Join(dir, cn+".crt"),
		key:  filepath.Join(dir, cn+".key"),
	}
	require.NoError(t, os.WriteFile(files.cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(files.key,
		pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0600))
	return files
}

func TestLoadServerTLSConfig(t *testing.T) {
	dir := t.TempDir()
	server := writeCert(t, dir, "server", x509.ExtKeyUsageServerAuth)

	tests := []struct {
		name    string
		cfg     security.ServerTLSConfig
		wantNil bool
		wantErr bool
	}{
		{name: "disabled", cfg: security.ServerTLSConfig{}, wantNil: true},
		{name: "tls 1.3", cfg: security.ServerTLSConfig{Enabled: true, CertFile: server.cert, KeyFile: server.key, MinVersion: "1.3"}},
		{name: "tls 1.2 default", cfg: security.ServerTLSConfig{Enabled: true, CertFile: server.cert, KeyFile: server.key}},
		{name: "missing cert", cfg: security.ServerTLSConfig{Enabled: true, CertFile: "/nonexistent.crt", KeyFile: server.key}, wantErr: true},
		{name: "bad client ca", cfg: security.ServerTLSConfig{Enabled: true, CertFile: server.cert, KeyFile: server.key,
			ClientCAFiles: []string{server.key}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadServerTLSConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Len(t, got.Certificates, 1)
			assert.Equal(t, parseTLSVersion(tt.cfg.MinVersion), got.MinVersion)
		})
	}
}

func TestLoadClientTLSConfig(t *testing.T) {
	dir := t.TempDir()
	ca := writeCert(t, dir, "ca", x509.ExtKeyUsageServerAuth)
	client := writeCert(t, dir, "client", x509.ExtKeyUsageClientAuth)

	got, err := LoadClientTLSConfig(security.ClientTLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, got, "disabled")

	got, err = LoadClientTLSConfig(security.ClientTLSConfig{
		Enabled:    true,
		CAFiles:    []string{ca.cert},
		ServerName: "broker.internal",
		CertFile:   client.cert,
		KeyFile:    client.key,
		MinVersion: "1.3",
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.NotNil(t, got.RootCAs)
	assert.Equal(t, "broker.internal", got.ServerName)
	assert.Len(t, got.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), got.MinVersion)
	assert.False(t, got.InsecureSkipVerify)

	_, err = LoadClientTLSConfig(security.ClientTLSConfig{Enabled: true, CAFiles: []string{"/nonexistent.pem"}})
	assert.Error(t, err)

	_, err = LoadClientTLSConfig(security.ClientTLSConfig{Enabled: true, CertFile: client.cert})
	assert.Error(t, err, "cert without key")
}

func TestMutualTLSHandshake(t *testing.T) {
	dir := t.TempDir()
	server := writeCert(t, dir, "server", x509.ExtKeyUsageServerAuth)
	dashboard := writeCert(t, dir, "dashboard", x509.ExtKeyUsageClientAuth)
	intruder := writeCert(t, dir, "intruder", x509.ExtKeyUsageClientAuth)

	serverTLS, err := LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled:           true,
		CertFile:          server.cert,
		KeyFile:           server.key,
		ClientCAFiles:     []string{dashboard.cert, intruder.cert},
		RequireClientCert: true,
		AllowedClientCNs:  []string{"dashboard"},
	})
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	srv.TLS = serverTLS
	srv.StartTLS()
	defer srv.Close()

	get := func(client certFiles) error {
		clientTLS, err := LoadClientTLSConfig(security.ClientTLSConfig{
			Enabled:  true,
			CAFiles:  []string{server.cert},
			CertFile: client.cert,
			KeyFile:  client.key,
		})
		require.NoError(t, err)
		hc := &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}, Timeout: 5 * time.Second}
		resp, err := hc.Get(srv.URL)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		return nil
	}

	assert.NoError(t, get(dashboard))
	assert.Error(t, get(intruder), "CN not allowed")
}

func TestParseTLSVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS13), parseTLSVersion("1.3"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.2"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion(""))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.0"))
}
