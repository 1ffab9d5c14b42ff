package tlsengine_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jroosing/packetforge/internal/tlsengine"
)

// selfSignedCert builds a minimal self-signed certificate for loopback TLS
// handshake tests; no files are touched, so this does not exercise
// LoadCertificate directly.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "packetforge-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"packetforge-test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// bridge wires two sessions' Outbox()/DeliverCiphertext() together so a
// handshake driven purely by crypto/tls can complete without a real TCP
// connection underneath.
func bridge(t *testing.T, a, b *tlsengine.Session) {
	t.Helper()
	go func() {
		for chunk := range a.Outbox() {
			b.DeliverCiphertext(chunk)
		}
	}()
	go func() {
		for chunk := range b.Outbox() {
			a.DeliverCiphertext(chunk)
		}
	}()
}

func TestSession_HandshakeAndDataExchange(t *testing.T) {
	cert := selfSignedCert(t)

	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{ServerName: "packetforge-test", RootCAs: nil, InsecureSkipVerify: true}

	server := tlsengine.NewServer(serverCfg)
	defer server.Close()
	client := tlsengine.NewClient(clientCfg)
	defer client.Close()

	bridge(t, client, server)

	go func() { _, _ = client.WritePlaintext([]byte("GET / HTTP/1.1\r\n\r\n")) }()

	select {
	case got := <-server.Plaintext():
		require.Contains(t, string(got), "GET / HTTP/1.1")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server to receive plaintext")
	}
}
