package wstransport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/onboard/internal/progress"
	"github.com/rendis/onboard/pkg/schema"
)

// fakeServer speaks the frame protocol on the server side.
type fakeServer struct {
	codec  Codec
	token  string
	events []Frame

	mu       sync.Mutex
	received []Frame
	gotFrame chan Frame
}

func newFakeServer(codec Codec, events ...Frame) *fakeServer {
	return &fakeServer{codec: codec, token: "good", events: events, gotFrame: make(chan Frame, 16)}
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	nc, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	defer nc.Close()

	read := func() (*Frame, error) {
		data, op, err := wsutil.ReadClientData(nc)
		if err != nil {
			return nil, err
		}
		if op == ws.OpClose {
			return nil, io.EOF
		}
		return s.codec.Decode(data)
	}
	write := func(f *Frame) {
		data, _ := s.codec.Encode(f)
		_ = wsutil.WriteServerMessage(nc, s.codec.OpCode(), data)
	}

	auth, err := read()
	if err != nil || auth.Type != FrameAuth {
		return
	}
	if auth.Token != s.token {
		write(&Frame{Type: FrameError, Error: &ErrorDetail{Code: http.StatusUnauthorized, Message: "bad token"}})
		return
	}
	write(&Frame{Type: FrameAuthOK})

	for {
		f, err := read()
		if err != nil {
			return
		}
		s.record(*f)
		if f.Type == FrameSubscribe {
			for i := range s.events {
				ev := s.events[i]
				ev.Topic = f.Topic
				write(&ev)
			}
		}
	}
}

func (s *fakeServer) record(f Frame) {
	s.mu.Lock()
	s.received = append(s.received, f)
	s.mu.Unlock()
	s.gotFrame <- f
}

func (s *fakeServer) waitFrame(t *testing.T, typ FrameType) Frame {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f := <-s.gotFrame:
			if f.Type == typ {
				return f
			}
		case <-timeout:
			t.Fatalf("server never received %s frame", typ)
			return Frame{}
		}
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTransport_JSONRoundTrip(t *testing.T) {
	srv := newFakeServer(JSONCodec{},
		Frame{Type: FrameEvent, Event: progress.EventETAUpdate, Data: map[string]any{"percentage": 42.5, "eta": 30}},
	)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	tr := New(wsURL(ts), CodecJSON, quietLogger())
	ctx := context.Background()
	conn, err := tr.Dial(ctx, progress.Credentials{Token: "good", UserID: "u-9"})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Subscribe(ctx, progress.Topic("u-9")))
	sub := srv.waitFrame(t, FrameSubscribe)
	assert.Equal(t, "training:u-9", sub.Topic)

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg, err := conn.Receive(rctx)
	require.NoError(t, err)
	assert.Equal(t, progress.EventETAUpdate, msg.Event)
	assert.Equal(t, 42.5, msg.Data["percentage"])

	require.NoError(t, conn.Send(ctx, progress.Command{Type: progress.CommandCancel, Topic: "training:u-9"}))
	cancelFrame := srv.waitFrame(t, FrameCancel)
	assert.Equal(t, "training:u-9", cancelFrame.Topic)
}

func TestTransport_MsgpackDecodesThroughDecoder(t *testing.T) {
	srv := newFakeServer(MsgpackCodec{},
		Frame{Type: FrameEvent, Event: progress.EventETAUpdate, Data: map[string]any{"percentage": 42}},
	)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	tr := New(wsURL(ts), CodecMsgpack, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := tr.Dial(ctx, progress.Credentials{Token: "good", UserID: "u-1"})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Subscribe(ctx, progress.Topic("u-1")))

	msg, err := conn.Receive(ctx)
	require.NoError(t, err)

	dec, err := progress.NewDecoder(progress.FieldQueries{})
	require.NoError(t, err)
	ev, err := dec.Decode(ctx, msg)
	require.NoError(t, err)
	assert.True(t, ev.HasPercent)
	assert.Equal(t, 42.0, ev.Percentage)
}

func TestTransport_RejectedTokenIsHardFailure(t *testing.T) {
	ts := httptest.NewServer(newFakeServer(JSONCodec{}))
	defer ts.Close()

	_, err := New(wsURL(ts), CodecJSON, quietLogger()).Dial(context.Background(), progress.Credentials{Token: "bad", UserID: "u"})
	require.Error(t, err)
	assert.True(t, progress.IsHardFailure(err))

	var oe *schema.OnboardError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, http.StatusUnauthorized, oe.StatusCode)
}

func TestTransport_UnreachableIsNetworkError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(ts)
	ts.Close()

	_, err := New(url, CodecJSON, quietLogger()).Dial(context.Background(), progress.Credentials{Token: "good", UserID: "u"})
	require.Error(t, err)
	assert.False(t, progress.IsHardFailure(err))

	var oe *schema.OnboardError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, schema.ErrCodeNetwork, oe.Code)
}

func TestTransport_ReceiveAfterClose(t *testing.T) {
	ts := httptest.NewServer(newFakeServer(JSONCodec{}))
	defer ts.Close()

	conn, err := New(wsURL(ts), CodecJSON, quietLogger()).Dial(context.Background(), progress.Credentials{Token: "good", UserID: "u"})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = conn.Receive(ctx)
	assert.ErrorIs(t, err, progress.ErrClosed)
}

func TestTransport_DrivesChannelToCompletion(t *testing.T) {
	srv := newFakeServer(JSONCodec{},
		Frame{Type: FrameEvent, Event: progress.EventETAUpdate, Data: map[string]any{"percentage": 55}},
		Frame{Type: FrameEvent, Event: progress.EventStandby, Data: map[string]any{"completed": true}},
	)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	updates := make(chan progress.Update, 8)
	ch, err := progress.NewChannel(1, progress.Options{
		Transport:   New(wsURL(ts), CodecJSON, quietLogger()),
		Credentials: progress.Credentials{Token: "good", UserID: "u-2"},
		Logger:      quietLogger(),
	}, func(u progress.Update) { updates <- u })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch.Run(ctx)

	require.Len(t, updates, 2)
	first := <-updates
	assert.Equal(t, progress.UpdateProgress, first.Kind)
	assert.InDelta(t, 0.55, first.Progress, 1e-9)
	assert.Equal(t, progress.UpdateFinished, (<-updates).Kind)
}

// stalledConn returns a conn whose peer never reads.
func stalledConn(t *testing.T) *conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = server.Close() })
	return &conn{nc: client, codec: JSONCodec{}, logger: quietLogger(), frames: make(chan *Frame), done: make(chan struct{})}
}

func TestConn_SendGivesUpAtDeadline(t *testing.T) {
	c := stalledConn(t)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Send(ctx, progress.Command{Type: progress.CommandCancel, Topic: "training:u"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConn_SendStopsOnCancel(t *testing.T) {
	c := stalledConn(t)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	start := time.Now()
	err := c.Send(ctx, progress.Command{Type: progress.CommandCancel, Topic: "training:u"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	require.Error(t, c.Send(ctx, progress.Command{Type: progress.CommandCancel}), "cancelled context")
}

func TestConn_CloseWithStalledPeer(t *testing.T) {
	c := stalledConn(t)
	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeWriteTimeout + 2*time.Second):
		t.Fatal("close blocked on a stalled peer")
	}
}

func TestGetCodec(t *testing.T) {
	assert.Equal(t, CodecMsgpack, GetCodec("msgpack").Name())
	assert.Equal(t, CodecJSON, GetCodec("").Name())
	assert.Equal(t, CodecJSON, GetCodec("protobuf").Name())
	assert.Equal(t, ws.OpBinary, MsgpackCodec{}.OpCode())
}
