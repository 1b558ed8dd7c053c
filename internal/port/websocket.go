package port

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gorilla/websocket"
)

// Binary frames start with a codec tag.
const (
	codecBrotli   byte = 1
	codecTransfer byte = 2
)

// DefaultCompressThreshold is the encoded size above which frames are
// brotli-compressed.
const DefaultCompressThreshold = 32 * 1024

// DefaultReadLimit caps one incoming frame, compressed or decompressed.
const DefaultReadLimit = 64 << 20

// ErrFrameTooLarge is returned when a frame decompresses past the read limit.
var ErrFrameTooLarge = errors.New("frame exceeds read limit")

// WebSocketOptions tunes a websocket port.
type WebSocketOptions struct {
	// CompressThreshold is the JSON size above which a frame is compressed.
	// Zero means DefaultCompressThreshold, negative disables compression.
	CompressThreshold int
	// ReadLimit caps the size of one frame, before and after decompression.
	// Zero means DefaultReadLimit.
	ReadLimit    int64
	WriteTimeout time.Duration
}

// WebSocket is a Port over a gorilla websocket connection. A message is sent
// as one text frame (or one compressed binary frame) followed by one binary
// frame per transferred buffer.
type WebSocket[M any] struct {
	conn      *websocket.Conn
	opts      WebSocketOptions
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewWebSocket wraps an established connection.
func NewWebSocket[M any](conn *websocket.Conn, opts WebSocketOptions) *WebSocket[M] {
	if opts.CompressThreshold == 0 {
		opts.CompressThreshold = DefaultCompressThreshold
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	conn.SetReadLimit(opts.ReadLimit)
	return &WebSocket[M]{conn: conn, opts: opts}
}

// DialWebSocket connects to url and wraps the connection.
func DialWebSocket[M any](ctx context.Context, url string, opts WebSocketOptions) (*WebSocket[M], error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocket[M](conn, opts), nil
}

func (w *WebSocket[M]) Send(ctx context.Context, msg M) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	kind := websocket.TextMessage
	if w.opts.CompressThreshold > 0 && len(data) > w.opts.CompressThreshold {
		if data, err = compress(data); err != nil {
			return fmt.Errorf("compress message: %w", err)
		}
		kind = websocket.BinaryMessage
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	deadline := time.Now().Add(w.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = w.conn.SetWriteDeadline(deadline)

	if err := w.conn.WriteMessage(kind, data); err != nil {
		return w.wrap(err)
	}
	for _, buf := range transfersOf(msg) {
		frame := make([]byte, 0, len(buf)+1)
		frame = append(frame, codecTransfer)
		frame = append(frame, buf...)
		if err := w.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return w.wrap(err)
		}
	}
	return nil
}

// Receive blocks until the next message arrives. A canceled ctx is only
// observed between messages; Close unblocks a pending read.
func (w *WebSocket[M]) Receive(ctx context.Context) (M, error) {
	var msg M
	if err := ctx.Err(); err != nil {
		return msg, err
	}

	kind, data, err := w.conn.ReadMessage()
	if err != nil {
		return msg, w.wrap(err)
	}
	if kind == websocket.BinaryMessage {
		if len(data) == 0 || data[0] != codecBrotli {
			return msg, errors.New("unexpected binary frame")
		}
		if data, err = decompress(data[1:], w.opts.ReadLimit); err != nil {
			return msg, fmt.Errorf("decompress message: %w", err)
		}
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}

	// The announced buffers follow as binary frames.
	n := len(transfersOf(msg))
	if n == 0 {
		return msg, nil
	}
	buffers := make([][]byte, 0, n)
	for range n {
		kind, frame, err := w.conn.ReadMessage()
		if err != nil {
			return msg, w.wrap(err)
		}
		if kind != websocket.BinaryMessage || len(frame) == 0 || frame[0] != codecTransfer {
			return msg, errors.New("missing transfer frame")
		}
		buffers = append(buffers, frame[1:])
	}
	attach(&msg, buffers)
	return msg, nil
}

func (w *WebSocket[M]) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = w.conn.Close()
	})
	return err
}

func (w *WebSocket[M]) wrap(err error) error {
	if w.closed.Load() || websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codecBrotli)
	zw := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte, limit int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(data)), limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}
