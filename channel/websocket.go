package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/casualjim/underground/envelope"
	"github.com/casualjim/underground/pkg/slogx"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
)

type wsChannel struct {
	conn      *websocket.Conn
	in        queue
	out       queue
	logger    *slog.Logger
	closeOnce sync.Once
	written   chan struct{}
}

func newWSChannel(conn *websocket.Conn, logger *slog.Logger) *wsChannel {
	ch := &wsChannel{
		conn:    conn,
		in:      newQueue(),
		out:     newQueue(),
		logger:  logger,
		written: make(chan struct{}),
	}
	go ch.readPump()
	go ch.writePump()
	return ch
}

func (c *wsChannel) Send(env envelope.Envelope) error {
	return c.out.put(env)
}

func (c *wsChannel) Receive(ctx context.Context) (envelope.Envelope, error) {
	return c.in.take(ctx)
}

// Close flushes queued sends, sends a close frame and closes the socket.
func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.out.close()
		<-c.written
		err = c.conn.Close()
		c.in.close()
	})
	return err
}

func (c *wsChannel) readPump() {
	defer c.in.close()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("websocket read failed", slogx.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		env, err := envelope.Unmarshal(data)
		if err != nil {
			c.logger.Debug("dropping undecodable frame", slogx.Error(err), slogx.ByteString("frame", data))
			continue
		}
		if c.in.put(env) != nil {
			return
		}
	}
}

func (c *wsChannel) writePump() {
	defer close(c.written)

	for {
		env, err := c.out.take(context.Background())
		if err != nil {
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}

		data, err := envelope.Marshal(env)
		if err != nil {
			c.logger.Debug("dropping unencodable envelope", slogx.Error(err))
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("websocket write failed", slogx.Error(err))
			c.out.close()
			c.drain()
			return
		}
	}
}

// drain discards whatever is still queued after the socket failed.
func (c *wsChannel) drain() {
	for {
		if _, err := c.out.take(context.Background()); err != nil {
			return
		}
	}
}

// WebSocketListener accepts channels over WebSocket. It is an http.Handler:
// mount it on the endpoint contexts dial.
type WebSocketListener struct {
	upgrader websocket.Upgrader
	accepted acceptQueue
	logger   *slog.Logger
}

// NewWebSocketListener creates a listener. A nil logger uses slog.Default.
func NewWebSocketListener(logger *slog.Logger) *WebSocketListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketListener{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		accepted: newAcceptQueue(),
		logger:   logger.With(slogx.LoggerName("websocket")),
	}
}

// ServeHTTP upgrades the request and queues the channel for Accept.
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Debug("websocket upgrade failed", slogx.Error(err))
		return
	}

	ch := newWSChannel(conn, l.logger)
	if !l.accepted.mb.Put(ch) {
		_ = ch.Close()
	}
}

func (l *WebSocketListener) Accept(ctx context.Context) (Channel, error) {
	return l.accepted.accept(ctx)
}

// Close stops accepting; channels already handed out stay open.
func (l *WebSocketListener) Close() error {
	l.accepted.mb.Close()
	return nil
}

// DialWebSocket connects to a WebSocketListener at url (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string, logger *slog.Logger) (Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWSChannel(conn, logger.With(slogx.LoggerName("websocket"))), nil
}

// WebSocketDialer returns a Dialer for url.
func WebSocketDialer(url string, logger *slog.Logger) Dialer {
	return func(ctx context.Context) (Channel, error) {
		return DialWebSocket(ctx, url, logger)
	}
}
