package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/beamshare/beam/pkg/constants"
	"github.com/beamshare/beam/pkg/transport"
)

func serverTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}

func TestNameAndDefaultPort(t *testing.T) {
	tr := New()
	if tr.Name() != "quic" {
		t.Errorf("Name = %q, want quic", tr.Name())
	}
	if tr.DefaultPort() != constants.DefaultQUICPort {
		t.Errorf("DefaultPort = %d, want %d", tr.DefaultPort(), constants.DefaultQUICPort)
	}
}

func TestDialAndAcceptRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr := New()

	l, err := tr.Listen(ctx, "127.0.0.1:0", serverTLS(t))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	type accepted struct {
		conn transport.Conn
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		c, err := l.Accept(ctx)
		acceptCh <- accepted{c, err}
	}()

	client, err := tr.Dial(ctx, l.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	// The server's stream is opened by the client's first bytes, so
	// write before waiting on Accept.
	msg := []byte("ping over quic")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("client Write: %v", err)
	}

	a := <-acceptCh
	if a.err != nil {
		t.Fatalf("Accept: %v", a.err)
	}
	defer a.conn.Close()

	if proto := client.(*Conn).ConnectionState().NegotiatedProtocol; proto != constants.ALPNProtocol {
		t.Errorf("negotiated ALPN = %q, want %q", proto, constants.ALPNProtocol)
	}

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(a.conn, buf); err != nil {
		t.Fatalf("server Read: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("server read %q, want %q", buf, msg)
	}
	if _, err := a.conn.Write(buf); err != nil {
		t.Fatalf("server Write: %v", err)
	}
	echo := make([]byte, len(msg))
	if _, err := io.ReadFull(client, echo); err != nil {
		t.Fatalf("client Read: %v", err)
	}
	if string(echo) != string(msg) {
		t.Fatalf("client read %q, want %q", echo, msg)
	}
}

func TestCancelledContextFailsFast(t *testing.T) {
	tr := New()
	cfg := serverTLS(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := tr.Listen(ctx, "127.0.0.1:0", cfg); err == nil {
		t.Errorf("Listen with cancelled context succeeded")
	}
	if _, err := tr.Dial(ctx, "127.0.0.1:1", cfg); err == nil {
		t.Errorf("Dial with cancelled context succeeded")
	}
}
