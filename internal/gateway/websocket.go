package gateway

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxFramePayload bounds a single inbound frame. Envelopes are small JSON
// documents; a declared length beyond this is a protocol violation, not a
// buffer to allocate.
const maxFramePayload = 1 << 20

const closeStatusTooBig = 1009

var errFrameTooLarge = errors.New("frame payload exceeds limit")

// Conn is a minimal RFC 6455 connection carrying JSON text frames. It answers
// pings with pongs and tracks the time of the last inbound frame so the
// gateway can reap idle peers.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	mu     sync.Mutex
	closed bool

	activityMu   sync.Mutex
	lastActivity time.Time
}

// Accept hijacks the HTTP request and completes the server side of the
// websocket handshake.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	if !headerContains(r.Header, "Connection", "upgrade") || !headerContains(r.Header, "Upgrade", "websocket") {
		return nil, fmt.Errorf("websocket upgrade required")
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return nil, fmt.Errorf("unsupported websocket version")
	}
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return nil, fmt.Errorf("missing websocket key")
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, fmt.Errorf("http server does not support hijacking")
	}
	netConn, rw, err := hj.Hijack()
	if err != nil {
		return nil, err
	}

	response := fmt.Sprintf("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n", acceptKey(key))
	if _, err := rw.WriteString(response); err != nil {
		netConn.Close()
		return nil, err
	}
	if err := rw.Flush(); err != nil {
		netConn.Close()
		return nil, err
	}

	return newConn(netConn, rw.Reader, rw.Writer), nil
}

// Dial opens a client connection to a ws:// or wss:// URL. Used by the REST
// layer's tests and by any in-process client.
func Dial(ctx context.Context, rawURL string, header http.Header, tlsConfig *tls.Config) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Host
	if !strings.Contains(host, ":") {
		if u.Scheme == "wss" {
			host += ":443"
		} else {
			host += ":80"
		}
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}

	if u.Scheme == "wss" {
		cfg := &tls.Config{}
		if tlsConfig != nil {
			cfg = tlsConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = u.Hostname()
		}
		tlsConn := tls.Client(netConn, cfg)
		if deadline, ok := ctx.Deadline(); ok {
			_ = tlsConn.SetDeadline(deadline)
			defer tlsConn.SetDeadline(time.Time{})
		}
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			netConn.Close()
			return nil, err
		}
		netConn = tlsConn
	}

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	request := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: Upgrade\r\nUpgrade: websocket\r\nSec-WebSocket-Version: 13\r\nSec-WebSocket-Key: %s\r\n", path, u.Host, clientKey())
	for name, values := range header {
		for _, value := range values {
			request += fmt.Sprintf("%s: %s\r\n", name, value)
		}
	}
	request += "\r\n"
	if _, err := io.WriteString(netConn, request); err != nil {
		netConn.Close()
		return nil, err
	}

	reader := bufio.NewReader(netConn)
	status, err := reader.ReadString('\n')
	if err != nil {
		netConn.Close()
		return nil, err
	}
	if !strings.Contains(status, "101") {
		netConn.Close()
		return nil, fmt.Errorf("handshake failed: %s", strings.TrimSpace(status))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			netConn.Close()
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}

	return newConn(netConn, reader, bufio.NewWriter(netConn)), nil
}

func newConn(netConn net.Conn, reader *bufio.Reader, writer *bufio.Writer) *Conn {
	return &Conn{
		conn:         netConn,
		reader:       reader,
		writer:       writer,
		lastActivity: time.Now(),
	}
}

func headerContains(header http.Header, name, expected string) bool {
	for _, value := range header.Values(name) {
		if strings.Contains(strings.ToLower(value), strings.ToLower(expected)) {
			return true
		}
	}
	return false
}

func acceptKey(key string) string {
	hash := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

func clientKey() string {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		nonce = []byte(fmt.Sprintf("%d", time.Now().UnixNano()))
	}
	return base64.StdEncoding.EncodeToString(nonce)
}

// ReadMessage blocks until the next text frame arrives. Control frames are
// handled inline: pings are answered, pongs only refresh the activity clock,
// and close frames terminate the connection with io.EOF.
func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	if c.isClosed() {
		return nil, io.EOF
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	for {
		frame, err := readFrame(c.reader)
		if err != nil {
			if errors.Is(err, errFrameTooLarge) {
				c.closeWithStatus(closeStatusTooBig)
			}
			return nil, err
		}
		c.touch()
		switch frame.opcode {
		case opcodeText:
			return frame.payload, nil
		case opcodePing:
			if err := c.writeFrame(opcodePong, frame.payload); err != nil {
				return nil, err
			}
		case opcodePong:
			// Activity clock already refreshed.
		case opcodeClose:
			c.Close()
			return nil, io.EOF
		default:
			// Binary and continuation frames are not part of the protocol.
		}
	}
}

// WriteText sends a single text frame.
func (c *Conn) WriteText(payload []byte) error {
	if c.isClosed() {
		return io.ErrClosedPipe
	}
	return c.writeFrame(opcodeText, payload)
}

// Ping sends a ping control frame.
func (c *Conn) Ping(payload []byte) error {
	if c.isClosed() {
		return io.ErrClosedPipe
	}
	return c.writeFrame(opcodePing, payload)
}

// LastActivity reports when the last frame of any kind arrived from the peer.
func (c *Conn) LastActivity() time.Time {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return c.lastActivity
}

func (c *Conn) touch() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) writeFrame(opcode byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	header := []byte{0x80 | opcode}
	length := len(payload)
	switch {
	case length < 126:
		header = append(header, byte(length))
	case length <= 65535:
		header = append(header, 126, byte(length>>8), byte(length))
	default:
		header = append(header, 127,
			byte(length>>56), byte(length>>48), byte(length>>40), byte(length>>32),
			byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	}
	if _, err := c.writer.Write(header); err != nil {
		return err
	}
	if _, err := c.writer.Write(payload); err != nil {
		return err
	}
	return c.writer.Flush()
}

// Close sends a close frame on a best-effort basis and tears down the
// underlying transport.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	header := []byte{0x80 | opcodeClose, 0}
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := c.writer.Write(header); err == nil {
		_ = c.writer.Flush()
	}
	return c.conn.Close()
}

// closeWithStatus sends a close frame carrying the given status code before
// tearing down the transport.
func (c *Conn) closeWithStatus(status uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	payload := []byte{byte(status >> 8), byte(status)}
	header := []byte{0x80 | opcodeClose, byte(len(payload))}
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := c.writer.Write(header); err == nil {
		if _, err := c.writer.Write(payload); err == nil {
			_ = c.writer.Flush()
		}
	}
	_ = c.conn.Close()
}

type frame struct {
	fin     bool
	opcode  byte
	payload []byte
}

const (
	opcodeText  byte = 0x1
	opcodeClose byte = 0x8
	opcodePing  byte = 0x9
	opcodePong  byte = 0xA
)

func readFrame(reader *bufio.Reader) (frame, error) {
	first, err := reader.ReadByte()
	if err != nil {
		return frame{}, err
	}
	second, err := reader.ReadByte()
	if err != nil {
		return frame{}, err
	}
	fin := first&0x80 != 0
	opcode := first & 0x0F
	masked := second&0x80 != 0
	length := int(second & 0x7F)
	switch length {
	case 126:
		buf := make([]byte, 2)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return frame{}, err
		}
		length = int(buf[0])<<8 | int(buf[1])
	case 127:
		buf := make([]byte, 8)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return frame{}, err
		}
		length = int(buf[0])<<56 | int(buf[1])<<48 | int(buf[2])<<40 | int(buf[3])<<32 |
			int(buf[4])<<24 | int(buf[5])<<16 | int(buf[6])<<8 | int(buf[7])
	}
	if length < 0 || length > maxFramePayload {
		return frame{}, errFrameTooLarge
	}
	var maskKey [4]byte
	if masked {
		if _, err := io.ReadFull(reader, maskKey[:]); err != nil {
			return frame{}, err
		}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return frame{}, err
	}
	if masked {
		for i := 0; i < length; i++ {
			payload[i] ^= maskKey[i%4]
		}
	}
	return frame{fin: fin, opcode: opcode, payload: payload}, nil
}

// ErrConnectionSuperseded reports that a newer connection for the same actor
// replaced this one.
var ErrConnectionSuperseded = errors.New("connection superseded by a newer session")
