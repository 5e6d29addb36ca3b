package kilat

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"
)

// newTLSTestServer starts a TLS listener with a self-signed certificate and
// returns it together with a client config that trusts the certificate.
func newTLSTestServer(t *testing.T, handler func(net.Conn)) (*testServer, *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "kilat-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	})
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	return serveTestListener(t, ln, "https", handler), &tls.Config{RootCAs: pool}
}

func TestTLSExecuteGET(t *testing.T) {
	ts, clientCfg := newTLSTestServer(t, cannedHandler(okResponse("secure")))
	f := newTestFactory(t, WithTLSConfig(clientCfg))

	r, err := f.CreateRequest(ts.URL()+"/", "GET")
	if err != nil {
		t.Fatalf("CreateRequest returned error: %v", err)
	}
	resp, err := r.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	defer resp.Release()

	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if got := string(resp.Body()); got != "secure" {
		t.Errorf("Expected body %q, got %q", "secure", got)
	}
	if r.State() != StateCompleted {
		t.Errorf("Expected state %v, got %v", StateCompleted, r.State())
	}
}

func TestTLSConnectionReuse(t *testing.T) {
	ts, clientCfg := newTLSTestServer(t, cannedHandler(okResponse("again")))
	f := newTestFactory(t, WithTLSConfig(clientCfg))

	for i := 0; i < 3; i++ {
		r, err := f.CreateRequest(ts.URL()+"/", "GET")
		if err != nil {
			t.Fatalf("CreateRequest returned error: %v", err)
		}
		resp, err := r.Execute(context.Background())
		if err != nil {
			t.Fatalf("Execute %d returned error: %v", i, err)
		}
		resp.Release()
	}
	if n := ts.ConnCount(); n != 1 {
		t.Errorf("Expected 1 connection for 3 sequential requests, got %d", n)
	}
}

func TestForcedShutdownClosesTLSChannels(t *testing.T) {
	ts, clientCfg := newTLSTestServer(t, stallHandler)
	f, err := New(WithTLSConfig(clientCfg), WithShutdownGracePeriod(50*time.Millisecond))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	r, err := f.CreateAsyncRequest(ts.URL()+"/", "GET")
	if err != nil {
		t.Fatalf("CreateAsyncRequest returned error: %v", err)
	}
	com, err := r.Dispatch()
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	// Let the handshake and write side finish so the channel is live and
	// registered before shutdown forces it closed.
	time.Sleep(200 * time.Millisecond)

	if err := f.Shutdown(context.Background()); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("Expected ErrDrainTimeout, got %v", err)
	}

	// Goroutine-mode connections are outside the engine; forced shutdown
	// must still terminate their requests.
	select {
	case <-com.Done():
		if _, err := com.Response(); err == nil {
			t.Error("Expected the force-terminated request to fail")
		}
		if r.State() != StateFailed {
			t.Errorf("Expected state %v, got %v", StateFailed, r.State())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("TLS request was not force-terminated by shutdown")
	}
}
