package ws_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"airwave-live/internal/ws"
)

func TestDialWS(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r)
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		defer conn.Close()

		if err := conn.WriteText([]byte("hello")); err != nil {
			t.Fatalf("WriteText: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, err := ws.Dial(context.Background(), wsURL, http.Header{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	kind, message, err := conn.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if kind != ws.MessageText {
		t.Fatalf("unexpected message type %d", kind)
	}
	if string(message) != "hello" {
		t.Fatalf("unexpected message %q", message)
	}
}

func TestBinaryFrames(t *testing.T) {
	t.Parallel()

	chunk := bytes.Repeat([]byte{0x1a, 0x45, 0xdf, 0xa3}, 64)
	received := make(chan []byte, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r)
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		defer conn.Close()

		kind, payload, err := conn.ReadMessage(context.Background())
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if kind != ws.MessageBinary {
			t.Fatalf("unexpected message type %d", kind)
		}
		received <- payload
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, err := ws.Dial(context.Background(), wsURL, http.Header{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	if err := conn.WriteBinary(chunk); err != nil {
		t.Fatalf("WriteBinary: %v", err)
	}

	select {
	case payload := <-received:
		if !bytes.Equal(payload, chunk) {
			t.Fatal("binary payload corrupted in transit")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for binary frame")
	}
}

func TestDialWSS(t *testing.T) {
	t.Parallel()

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r)
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		defer conn.Close()

		if err := conn.WriteText([]byte("secure")); err != nil {
			t.Fatalf("WriteText: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	pool := x509.NewCertPool()
	pool.AddCert(server.Certificate())

	tlsConfig := &tls.Config{RootCAs: pool}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	wssURL := "wss" + strings.TrimPrefix(server.URL, "https")
	conn, err := ws.Dial(ctx, wssURL, http.Header{}, tlsConfig)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	_, message, err := conn.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(message) != "secure" {
		t.Fatalf("unexpected message %q", message)
	}
}

func TestWriteAfterClose(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r)
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		_, _, _ = conn.ReadMessage(context.Background())
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, err := ws.Dial(context.Background(), wsURL, http.Header{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if err := conn.WriteText([]byte("late")); err != ws.ErrConnClosed {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
}
