// Package wstransport carries training progress over a WebSocket using a
// small framed protocol: an auth handshake, subscribe and cancel commands
// from the client, and event frames from the server.
package wstransport

import (
	"github.com/gobwas/ws"
	json "github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

// FrameType identifies a frame.
type FrameType string

const (
	FrameAuth      FrameType = "auth"
	FrameAuthOK    FrameType = "auth_ok"
	FrameSubscribe FrameType = "subscribe"
	FrameCancel    FrameType = "cancel"
	FrameEvent     FrameType = "event"
	FrameError     FrameType = "error"
)

// Frame is the envelope for every message on the socket.
type Frame struct {
	Type   FrameType      `json:"type" msgpack:"type"`
	Token  string         `json:"token,omitempty" msgpack:"token,omitempty"`
	UserID string         `json:"user_id,omitempty" msgpack:"user_id,omitempty"`
	Topic  string         `json:"topic,omitempty" msgpack:"topic,omitempty"`
	Event  string         `json:"event,omitempty" msgpack:"event,omitempty"`
	Data   map[string]any `json:"data,omitempty" msgpack:"data,omitempty"`
	Error  *ErrorDetail   `json:"error,omitempty" msgpack:"error,omitempty"`
}

// ErrorDetail describes a server-side rejection. Code follows HTTP status semantics.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// Codec serializes frames.
type Codec interface {
	Encode(f *Frame) ([]byte, error)
	Decode(data []byte) (*Frame, error)
	Name() string
	// OpCode is the WebSocket opcode frames are written with.
	OpCode() ws.OpCode
}

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// GetCodec returns the codec registered under name. Unknown names get JSON.
func GetCodec(name string) Codec {
	if name == CodecMsgpack {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

// JSONCodec encodes frames as JSON text messages.
type JSONCodec struct{}

func (JSONCodec) Encode(f *Frame) ([]byte, error) { return json.Marshal(f) }

func (JSONCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (JSONCodec) Name() string      { return CodecJSON }
func (JSONCodec) OpCode() ws.OpCode { return ws.OpText }

// MsgpackCodec encodes frames as MessagePack binary messages.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(f *Frame) ([]byte, error) { return msgpack.Marshal(f) }

func (MsgpackCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (MsgpackCodec) Name() string      { return CodecMsgpack }
func (MsgpackCodec) OpCode() ws.OpCode { return ws.OpBinary }
