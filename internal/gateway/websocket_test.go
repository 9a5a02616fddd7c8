package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newEchoServer(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			for {
				payload, err := conn.ReadMessage(context.Background())
				if err != nil {
					return
				}
				if err := conn.WriteText(payload); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(server.Close)
	return strings.Replace(server.URL, "http", "ws", 1)
}

func TestWebsocketRoundTrip(t *testing.T) {
	url := newEchoServer(t)

	conn, err := Dial(context.Background(), url, http.Header{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteText([]byte("hello")); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := conn.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("unexpected echo %q", payload)
	}
}

func TestWebsocketExtendedLengthFrames(t *testing.T) {
	url := newEchoServer(t)

	conn, err := Dial(context.Background(), url, http.Header{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// One payload per length encoding: 7-bit, 16-bit, 64-bit.
	for _, size := range []int{100, 4096, 70000} {
		payload := bytes.Repeat([]byte{'a'}, size)
		if err := conn.WriteText(payload); err != nil {
			t.Fatalf("WriteText %d: %v", size, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		echoed, err := conn.ReadMessage(ctx)
		cancel()
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", size, err)
		}
		if !bytes.Equal(echoed, payload) {
			t.Fatalf("echo mismatch at size %d: got %d bytes", size, len(echoed))
		}
	}
}

func TestWebsocketPingRefreshesActivity(t *testing.T) {
	url := newEchoServer(t)

	conn, err := Dial(context.Background(), url, http.Header{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	before := conn.LastActivity()
	time.Sleep(10 * time.Millisecond)

	if err := conn.Ping([]byte("keepalive")); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	// The server answers with a pong, which only refreshes the clock; a
	// subsequent text frame still comes through intact.
	if err := conn.WriteText([]byte("after-ping")); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := conn.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(payload) != "after-ping" {
		t.Fatalf("unexpected payload %q", payload)
	}
	if !conn.LastActivity().After(before) {
		t.Fatal("activity clock did not advance")
	}
}

func TestReadFrameRejectsDeclaredOversizedLength(t *testing.T) {
	// A 64-bit header declaring a terabyte. No payload bytes follow, so a
	// missing cap would surface as an unexpected EOF instead.
	header := []byte{0x81, 127, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}
	_, err := readFrame(bufio.NewReader(bytes.NewReader(header)))
	if !errors.Is(err, errFrameTooLarge) {
		t.Fatalf("expected frame size rejection, got %v", err)
	}
}

func TestReadMessageClosesOversizedFrameWithStatus(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	conn := newConn(server, bufio.NewReader(server), bufio.NewWriter(server))

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.ReadMessage(context.Background())
		errCh <- err
	}()

	header := []byte{0x81, 127, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}
	if _, err := client.Write(header); err != nil {
		t.Fatalf("write header: %v", err)
	}

	reply := make([]byte, 4)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read close frame: %v", err)
	}
	if reply[0] != 0x80|opcodeClose || reply[1] != 2 {
		t.Fatalf("expected a two-byte close frame, got % x", reply)
	}
	if status := int(reply[2])<<8 | int(reply[3]); status != closeStatusTooBig {
		t.Fatalf("expected close status %d, got %d", closeStatusTooBig, status)
	}
	if err := <-errCh; !errors.Is(err, errFrameTooLarge) {
		t.Fatalf("expected frame size rejection, got %v", err)
	}
}

func TestAcceptRejectsPlainRequests(t *testing.T) {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if _, err := Accept(recorder, request); err == nil {
		t.Fatal("expected upgrade rejection for a plain GET")
	}
}
