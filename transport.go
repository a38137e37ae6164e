package electrum

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// connState tags the lifecycle of the underlying byte-stream connection,
// pushed onto transport.state so the owning RpcChannel knows when to
// re-establish subscriptions.
type connState int

const (
	stateDisconnected connState = iota
	stateConnected
	stateReconnected
)

// reconnectBackoff is the capped exponential backoff schedule: 1s, 2s,
// 4s, ..., capped at 30s.
var reconnectBackoff = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	16 * time.Second, 30 * time.Second,
}

// transportOptions configures a single transport dial, including tunneling
// proxy framing for TCP/SSL.
type transportOptions struct {
	kind TransportKind

	// address is host:port of the tunneling proxy (TCP/SSL) or of the peer
	// itself (WSS uses wssURL instead).
	address string

	// wssURL is the full wss://host:port/path endpoint, used directly when
	// kind == TransportWSS.
	wssURL string

	// tunnelToken is the "<network>:<peer_host>" header framed as the
	// first line on a tunneled TCP/SSL connection.
	tunnelToken string

	tlsConfig    *tls.Config
	dialTimeout  time.Duration
	reconnect    bool
	readDeadline time.Duration
}

// transport owns one physical byte-stream connection and exposes it as
// three channels, grounded in the prior client.go usage of
// transport.messages/errors/state and in square-beancounter's
// TCPTransport (bufio.Reader.ReadBytes('\n') framing, read/write
// deadlines).
type transport struct {
	opts transportOptions

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	ws     *websocket.Conn
	closed bool

	messages chan []byte
	errors   chan error
	state    chan connState
}

// getTransport dials according to opts.kind and starts the background read
// loop. TCP and SSL always dial the configured tunneling proxy; WSS dials
// the peer directly.
func getTransport(opts transportOptions) (*transport, error) {
	t := &transport{
		opts:     opts,
		messages: make(chan []byte, 64),
		errors:   make(chan error, 16),
		state:    make(chan connState, 4),
	}
	if err := t.dial(); err != nil {
		return nil, err
	}
	t.state <- stateConnected
	go t.readLoop()
	return t, nil
}

func (t *transport) dial() error {
	switch t.opts.kind {
	case TransportWSS:
		conn, _, err := websocket.DefaultDialer.Dial(t.opts.wssURL, nil)
		if err != nil {
			return errors.Wrap(err, "dial wss transport")
		}
		t.mu.Lock()
		t.ws = conn
		t.mu.Unlock()
		return nil

	case TransportSSL:
		d := &net.Dialer{Timeout: t.opts.dialTimeout}
		conn, err := tls.DialWithDialer(d, "tcp", t.opts.address, t.opts.tlsConfig)
		if err != nil {
			return errors.Wrap(err, "dial ssl transport")
		}
		t.mu.Lock()
		t.conn = conn
		t.reader = bufio.NewReader(conn)
		t.mu.Unlock()
		return t.sendTunnelToken()

	case TransportTCP:
		conn, err := net.DialTimeout("tcp", t.opts.address, t.opts.dialTimeout)
		if err != nil {
			return errors.Wrap(err, "dial tcp transport")
		}
		t.mu.Lock()
		t.conn = conn
		t.reader = bufio.NewReader(conn)
		t.mu.Unlock()
		return t.sendTunnelToken()

	default:
		return fmt.Errorf("unknown transport kind %v", t.opts.kind)
	}
}

// sendTunnelToken writes the tunnel proxy's initial handshake frame
// carrying "<network>:<peer_host>" so the proxy can route subsequent
// frames to the real peer.
func (t *transport) sendTunnelToken() error {
	if t.opts.tunnelToken == "" {
		return nil
	}
	frame := append([]byte(t.opts.tunnelToken), delimiter)
	_, err := t.conn.Write(frame)
	return errors.Wrap(err, "send tunnel token")
}

// sendMessage writes one newline-delimited JSON frame (TCP/SSL) or one
// text frame (WSS).
func (t *transport) sendMessage(b []byte) error {
	t.mu.Lock()
	ws, conn, closed := t.ws, t.conn, t.closed
	t.mu.Unlock()

	if closed {
		return errConnectionLost("transport closed")
	}

	if ws != nil {
		trimmed := b
		if len(trimmed) > 0 && trimmed[len(trimmed)-1] == delimiter {
			trimmed = trimmed[:len(trimmed)-1]
		}
		return ws.WriteMessage(websocket.TextMessage, trimmed)
	}

	if conn == nil {
		return errConnectionLost("transport not connected")
	}
	_, err := conn.Write(b)
	return err
}

func (t *transport) readLoop() {
	for {
		t.mu.Lock()
		closed := t.closed
		ws, conn, reader := t.ws, t.conn, t.reader
		if conn != nil && reader == nil {
			reader = bufio.NewReader(conn)
			t.reader = reader
		}
		t.mu.Unlock()
		if closed {
			return
		}

		var line []byte
		var err error
		if ws != nil {
			_, line, err = ws.ReadMessage()
		} else {
			line, err = reader.ReadBytes(delimiter)
		}

		if err != nil {
			t.errors <- err
			if !t.opts.reconnect {
				return
			}
			if !t.reconnectWithBackoff() {
				return
			}
			t.state <- stateReconnected
			continue
		}

		t.messages <- line
	}
}

func (t *transport) reconnectWithBackoff() bool {
	for _, delay := range reconnectBackoff {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return false
		}
		time.Sleep(delay)
		if err := t.dial(); err == nil {
			return true
		}
	}
	return false
}

func (t *transport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.ws != nil {
		return t.ws.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
