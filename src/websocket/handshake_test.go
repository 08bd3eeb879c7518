package websocket

import (
	"bufio"
	"bytes"
	"testing"
)

func TestAcceptKeyVector(t *testing.T) {
	// The canonical RFC 6455 section 1.3 example.
	const key = "dGhlIHNhbXBsZSBub25jZQ=="
	const want = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="

	if got := AcceptKey(key); got != want {
		t.Errorf("AcceptKey(%q) = %q, want %q", key, got, want)
	}
}

func TestReadHandshake(t *testing.T) {
	raw := "GET /chat HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"

	hs, err := ReadHandshake(bufio.NewReader(bytes.NewBufferString(raw)))
	if err != nil {
		t.Fatalf("ReadHandshake() error = %v", err)
	}
	if got := hs.Headers["sec-websocket-key"]; got != "dGhlIHNhbXBsZSBub25jZQ==" {
		t.Errorf("Sec-WebSocket-Key = %q, want the canonical test vector", got)
	}
	if got := hs.Headers["upgrade"]; got != "websocket" {
		t.Errorf("Upgrade header = %q, want %q", got, "websocket")
	}
}

func TestReadHandshakeMissingBlankLine(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: example.com\r\n"
	_, err := ReadHandshake(bufio.NewReader(bytes.NewBufferString(raw)))
	if err == nil {
		t.Fatal("ReadHandshake() error = nil, want an error for an unterminated header block")
	}
}

func TestReadHandshakeTooManyHeaders(t *testing.T) {
	var raw bytes.Buffer
	raw.WriteString("GET / HTTP/1.1\r\n")
	for i := 0; i < maxHeaders+1; i++ {
		raw.WriteString("X-Pad: 1\r\n")
	}
	raw.WriteString("\r\n")

	_, err := ReadHandshake(bufio.NewReader(&raw))
	if err == nil {
		t.Fatal("ReadHandshake() error = nil, want an error past the header count bound")
	}
}

func TestPerformHandshakeWritesAcceptedResponse(t *testing.T) {
	raw := "GET / HTTP/1.1\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"

	var out bytes.Buffer
	rw := bufio.NewReadWriter(bufio.NewReader(bytes.NewBufferString(raw)), bufio.NewWriter(&out))
	if err := PerformHandshake(rw); err != nil {
		t.Fatalf("PerformHandshake() error = %v", err)
	}

	want := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n" +
		"\r\n"
	if got := out.String(); got != want {
		t.Errorf("PerformHandshake() response =\n%q\nwant\n%q", got, want)
	}
}

func TestPerformHandshakeMissingKey(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"
	rw := bufio.NewReadWriter(bufio.NewReader(bytes.NewBufferString(raw)), bufio.NewWriter(new(bytes.Buffer)))
	if err := PerformHandshake(rw); err == nil {
		t.Fatal("PerformHandshake() error = nil, want an error for a missing Sec-WebSocket-Key")
	}
}
