package listener

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/wudi/gatekeeper/config"
)

// generateTestCert creates a temporary self-signed certificate for testing.
func generateTestCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	dir := t.TempDir()
	certFile = dir + "/cert.pem"
	keyFile = dir + "/key.pem"

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatal(err)
	}
	return
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, "ok")
})

func TestHTTPListenerStartStop(t *testing.T) {
	l, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "proxy",
		Address: "127.0.0.1:0",
		Handler: okHandler,
	})
	if err != nil {
		t.Fatal(err)
	}
	if l.Protocol() != "http" {
		t.Errorf("Protocol = %q", l.Protocol())
	}
	if l.Server().WriteTimeout != 0 {
		t.Error("write timeout would cut off streamed responses")
	}

	if err := l.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + l.Addr() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if _, err := http.Get("http://" + l.Addr() + "/"); err == nil {
		t.Error("expected connection failure after Stop")
	}
}

func TestHTTPListenerTLS(t *testing.T) {
	certFile, keyFile := generateTestCert(t)
	lc := config.ListenerConfig{
		Address:  "127.0.0.1:0",
		Protocol: config.ProtocolHTTPS,
		TLS:      config.TLSConfig{CertFile: certFile, KeyFile: keyFile},
	}
	l, err := NewHTTPListener(ConfigFromListener("proxy", lc, okHandler))
	if err != nil {
		t.Fatalf("NewHTTPListener: %v", err)
	}
	if l.Protocol() != "https" {
		t.Errorf("Protocol = %q", l.Protocol())
	}
	if err := l.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	defer l.Stop(context.Background())

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	resp, err := client.Get("https://" + l.Addr() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.TLS == nil {
		t.Error("expected a TLS connection")
	}
}

func TestHTTPListenerBadCert(t *testing.T) {
	_, err := NewHTTPListener(HTTPListenerConfig{
		ID:  "proxy",
		TLS: &config.TLSConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"},
	})
	if err == nil {
		t.Error("expected error for missing certificate files")
	}
}

func TestHTTPListenerAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	l, _ := NewHTTPListener(HTTPListenerConfig{ID: "proxy", Address: ln.Addr().String(), Handler: okHandler})
	if err := l.Start(context.Background(), nil); err == nil {
		t.Error("expected bind error")
	}
}

func TestConfigFromListenerDefaults(t *testing.T) {
	cfg := ConfigFromListener("proxy", config.DefaultConfig().Listener, okHandler)
	if cfg.TLS != nil {
		t.Error("plain http should not carry TLS config")
	}
	if cfg.Address != ":3030" || cfg.ReadHeaderTimeout != 10*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
}
