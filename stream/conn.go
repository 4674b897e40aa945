package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/finflow/progress"
	"github.com/BaSui01/finflow/types"
)

// WSConn adapts a coder/websocket connection to the progress.Conn interface.
// Writes are guarded by a mutex because WebSocket does not support concurrent
// writers.
type WSConn struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex
	closed bool
}

var _ progress.Conn = (*WSConn)(nil)

// NewWSConn creates an adapter from an already-accepted WebSocket connection.
func NewWSConn(conn *websocket.Conn, logger *zap.Logger) *WSConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSConn{
		conn:   conn,
		logger: logger.With(zap.String("component", "ws_conn")),
	}
}

// Send pushes one serialized message as a text frame.
func (w *WSConn) Send(ctx context.Context, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return types.NewError(types.ErrConnectionClosed, "connection closed")
	}
	if err := w.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return types.NewError(types.ErrSendFailure, "websocket write failed").WithCause(err)
	}
	return nil
}

// Read blocks until the next inbound message or an error. The server side
// only uses inbound traffic as a liveness signal; payloads are not
// interpreted.
func (w *WSConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	return data, nil
}

// Ping sends a protocol-level liveness probe.
func (w *WSConn) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

// Close closes the connection with the given reason code. Idempotent.
func (w *WSConn) Close(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close(websocket.StatusCode(code), reason)
}
