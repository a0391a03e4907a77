package wstransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/rendis/onboard/internal/progress"
	"github.com/rendis/onboard/pkg/schema"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	closeWriteTimeout       = time.Second
)

// Transport dials a progress WebSocket endpoint.
type Transport struct {
	URL              string
	Codec            Codec
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// New returns a Transport for url using the named codec.
func New(url, codec string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{URL: url, Codec: GetCodec(codec), Logger: logger}
}

// Dial opens the socket and authenticates with creds. A rejected handshake
// is returned as an auth error so the channel does not retry it.
func (t *Transport) Dial(ctx context.Context, creds progress.Credentials) (progress.Conn, error) {
	codec := t.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := t.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nc, _, _, err := ws.Dial(hctx, t.URL)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNetwork, "websocket dial").WithCause(err)
	}

	c := &conn{nc: nc, codec: codec, logger: logger, frames: make(chan *Frame, 32), done: make(chan struct{})}
	if err := c.write(hctx, &Frame{Type: FrameAuth, Token: creds.Token, UserID: creds.UserID}); err != nil {
		_ = nc.Close()
		return nil, schema.NewError(schema.ErrCodeNetwork, "write auth frame").WithCause(err)
	}

	type result struct {
		f   *Frame
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		f, err := c.read()
		resCh <- result{f, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			_ = nc.Close()
			return nil, schema.NewError(schema.ErrCodeNetwork, "read auth response").WithCause(res.err)
		}
		if res.f.Type == FrameError {
			_ = nc.Close()
			return nil, frameError(res.f)
		}
		if res.f.Type != FrameAuthOK {
			_ = nc.Close()
			return nil, schema.NewErrorf(schema.ErrCodeNetwork, "unexpected handshake frame %q", res.f.Type)
		}
	case <-hctx.Done():
		_ = nc.Close()
		return nil, schema.NewError(schema.ErrCodeTimeout, "websocket handshake timed out").WithCause(hctx.Err())
	}

	go c.readLoop()
	logger.Debug("progress websocket connected", slog.String("url", t.URL), slog.String("codec", codec.Name()))
	return c, nil
}

func frameError(f *Frame) error {
	if f.Error == nil {
		return schema.NewError(schema.ErrCodeServer, "server rejected connection")
	}
	return schema.FromHTTPStatus(f.Error.Code, f.Error.Message)
}

type conn struct {
	nc     net.Conn
	codec  Codec
	logger *slog.Logger

	wmu    sync.Mutex
	frames chan *Frame
	err    error
	done   chan struct{}

	closeOnce sync.Once
}

// write sends f, giving up at ctx's deadline or when ctx is cancelled.
func (c *conn) write(ctx context.Context, f *Frame) error {
	data, err := c.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.nc.SetWriteDeadline(time.Now()) })
	defer func() {
		stop()
		_ = c.nc.SetWriteDeadline(time.Time{})
	}()
	return wsutil.WriteClientMessage(c.nc, c.codec.OpCode(), data)
}

func (c *conn) read() (*Frame, error) {
	data, _, err := wsutil.ReadServerData(c.nc)
	if err != nil {
		return nil, err
	}
	return c.codec.Decode(data)
}

func (c *conn) readLoop() {
	defer close(c.frames)
	for {
		f, err := c.read()
		if err != nil {
			select {
			case <-c.done:
				c.err = progress.ErrClosed
			default:
				c.err = schema.NewError(schema.ErrCodeNetwork, "websocket read").WithCause(err)
			}
			return
		}
		select {
		case c.frames <- f:
		case <-c.done:
			c.err = progress.ErrClosed
			return
		}
	}
}

func (c *conn) Subscribe(ctx context.Context, topic string) error {
	if err := c.write(ctx, &Frame{Type: FrameSubscribe, Topic: topic}); err != nil {
		return schema.NewError(schema.ErrCodeNetwork, "write subscribe frame").WithCause(err)
	}
	return nil
}

func (c *conn) Receive(ctx context.Context) (progress.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return progress.Message{}, ctx.Err()
		case f, ok := <-c.frames:
			if !ok {
				if c.err == nil {
					return progress.Message{}, progress.ErrClosed
				}
				return progress.Message{}, c.err
			}
			switch f.Type {
			case FrameEvent:
				return progress.Message{Event: f.Event, Data: f.Data}, nil
			case FrameError:
				return progress.Message{}, frameError(f)
			default:
				c.logger.Debug("ignoring progress frame", slog.String("type", string(f.Type)))
			}
		}
	}
}

func (c *conn) Send(ctx context.Context, cmd progress.Command) error {
	var t FrameType
	switch cmd.Type {
	case progress.CommandSubscribe:
		t = FrameSubscribe
	case progress.CommandCancel:
		t = FrameCancel
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unsupported command %q", cmd.Type)
	}
	return c.write(ctx, &Frame{Type: t, Topic: cmd.Topic})
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.wmu.Lock()
		_ = c.nc.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		_ = wsutil.WriteClientMessage(c.nc, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.wmu.Unlock()
		err = c.nc.Close()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

var _ progress.Transport = (*Transport)(nil)
