// Package session drives one RTMP connection through its publish lifecycle:
// handshake, connect/createStream/publish command handling, and — once the
// owner has accepted the publish — forwarding of audio/video/metadata
// messages to that owner.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"ridgecast-live/internal/rtmp/amf0"
	"ridgecast-live/internal/rtmp/chunk"
	"ridgecast-live/internal/rtmp/handshake"
)

// ErrorKind classifies why a session ended, per the taxonomy this pipeline
// uses to decide whether a failure is fatal, retryable, or a clean close.
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindHandshakeFailed
	ErrKindProtocolError
	ErrKindPublishRejected
	ErrKindPeerClosed
	ErrKindTimedOut
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindHandshakeFailed:
		return "handshake_failed"
	case ErrKindProtocolError:
		return "protocol_error"
	case ErrKindPublishRejected:
		return "publish_rejected"
	case ErrKindPeerClosed:
		return "peer_closed"
	case ErrKindTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Error wraps a session-ending failure with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("session: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrapErr(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// PublishEvent is emitted to the Owner when the client sends a publish
// command, before any media is forwarded.
type PublishEvent struct {
	App        string
	StreamName string
}

// Owner authorizes publish attempts, receives forwarded media messages, and
// is notified when the session ends.
type Owner interface {
	// AuthorizePublish decides whether to accept a publish. Returning a
	// non-empty streamSessionID accepts it; returning an error rejects it
	// and the session is closed with ErrKindPublishRejected.
	AuthorizePublish(ctx context.Context, ev PublishEvent) (streamSessionID string, err error)
	// HandleMessage delivers one accepted audio/video/meta message.
	HandleMessage(ctx context.Context, streamSessionID string, msg chunk.Message)
	// Closed notifies the owner that the session ended, with the reason
	// (nil for a clean deleteStream/EOF close).
	Closed(ctx context.Context, streamSessionID string, err error)
}

// Config tunes per-session timeouts and outbound framing.
type Config struct {
	HandshakeTimeout time.Duration
	CommandTimeout   time.Duration
	ChunkSize        uint32
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 4096
	}
	return c
}

type state int

const (
	stateConnectApp state = iota
	stateCreateStream
	statePublish
	stateStreaming
	stateClosed
)

// RTMP message type IDs this package cares about.
const (
	typeAudio       = 8
	typeVideo       = 9
	typeAMF0Data    = 18
	typeAMF0Command = 20
	commandCSID     = 3
	defaultStreamID = 1
)

// Session drives the publish lifecycle for one accepted net.Conn.
type Session struct {
	conn  net.Conn
	owner Owner
	cfg   Config

	state           state
	app             string
	streamSessionID string
	nextStreamID    uint32

	writer *chunk.Writer
}

// New builds a Session ready to Run over conn.
func New(conn net.Conn, owner Owner, cfg Config) *Session {
	return &Session{
		conn:         conn,
		owner:        owner,
		cfg:          cfg.withDefaults(),
		state:        stateConnectApp,
		nextStreamID: defaultStreamID,
	}
}

// Run blocks until the session ends, performing the handshake, then reading
// and dispatching chunk-reassembled messages until the peer disconnects, a
// deleteStream command arrives, or a fatal error occurs.
func (s *Session) Run(ctx context.Context) error {
	if _, err := handshake.Accept(s.conn, s.cfg.HandshakeTimeout); err != nil {
		return wrapErr(ErrKindHandshakeFailed, err)
	}

	dechunker := chunk.NewDechunker(s.conn)
	s.writer = chunk.NewWriter(s.conn, s.cfg.ChunkSize)

	var endErr error
	for {
		if deadline, ok := ctx.Deadline(); ok {
			_ = s.conn.SetReadDeadline(deadline)
		} else if s.state != stateStreaming {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.CommandTimeout))
		} else {
			_ = s.conn.SetReadDeadline(time.Time{})
		}

		msg, err := dechunker.ReadMessage()
		if err != nil {
			endErr = classifyReadError(err)
			break
		}

		if stop, err := s.dispatch(ctx, msg); stop {
			endErr = err
			break
		}
	}

	s.state = stateClosed
	s.owner.Closed(ctx, s.streamSessionID, endErr)
	return endErr
}

func classifyReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrapErr(ErrKindTimedOut, err)
	}
	if isPeerClosed(err) {
		return wrapErr(ErrKindPeerClosed, err)
	}
	return wrapErr(ErrKindProtocolError, err)
}

func isPeerClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe)
}

// dispatch routes one reassembled message. stop is true once the session
// should end (deleteStream, publish rejected, or a protocol violation).
func (s *Session) dispatch(ctx context.Context, msg chunk.Message) (stop bool, err error) {
	switch msg.TypeID {
	case typeAMF0Command:
		return s.handleCommand(ctx, msg)
	case typeAudio, typeVideo, typeAMF0Data:
		if s.state != stateStreaming {
			return false, nil // pre-accept media/metadata is silently dropped, not a protocol error
		}
		s.owner.HandleMessage(ctx, s.streamSessionID, msg)
		return false, nil
	default:
		return false, nil // control/protocol messages (set chunk size etc.) are handled by the chunk layer itself
	}
}

func (s *Session) handleCommand(ctx context.Context, msg chunk.Message) (stop bool, err error) {
	values, decErr := amf0.DecodeAll(msg.Payload)
	if decErr != nil {
		return true, wrapErr(ErrKindProtocolError, fmt.Errorf("decode command: %w", decErr))
	}
	if len(values) == 0 {
		return true, wrapErr(ErrKindProtocolError, errors.New("empty command message"))
	}
	name, ok := values[0].(string)
	if !ok {
		return true, wrapErr(ErrKindProtocolError, errors.New("command name is not a string"))
	}

	switch name {
	case "connect":
		return s.handleConnect(values)
	case "releaseStream", "FCPublish":
		return false, nil // acknowledged implicitly; no response required for interop
	case "createStream":
		return s.handleCreateStream(values)
	case "publish":
		return s.handlePublish(ctx, values)
	case "deleteStream":
		return true, nil // clean shutdown, no error
	default:
		return false, nil // unrecognized command: ignore rather than fail the session
	}
}

func (s *Session) handleConnect(values []interface{}) (bool, error) {
	if len(values) < 3 {
		return true, wrapErr(ErrKindProtocolError, errors.New("connect: expected >=3 AMF0 values"))
	}
	txnID, _ := values[1].(float64)
	cmdObj, ok := values[2].(amf0.Object)
	if !ok {
		return true, wrapErr(ErrKindProtocolError, errors.New("connect: command object missing"))
	}
	app, _ := cmdObj["app"].(string)
	s.app = app
	s.state = stateCreateStream

	payload, encErr := amf0.EncodeAll(
		"_result",
		txnID,
		amf0.Object{"fmsVer": "FMS/3,0,1,123", "capabilities": float64(31)},
		amf0.Object{"level": "status", "code": "NetConnection.Connect.Success", "description": "Connection succeeded."},
	)
	if encErr != nil {
		return true, wrapErr(ErrKindProtocolError, fmt.Errorf("encode connect response: %w", encErr))
	}
	// Announce the outbound chunk size (Set Chunk Size, type 1, on the
	// protocol control stream) before the first response, so a peer still
	// reading at chunk.DefaultChunkSize can reassemble what follows.
	size := s.cfg.ChunkSize
	setChunkSize := chunk.Message{CSID: 2, TypeID: 1, StreamID: 0, Payload: []byte{byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size)}}
	if err := s.writer.WriteMessage(setChunkSize); err != nil {
		return true, wrapErr(ErrKindProtocolError, err)
	}
	if err := s.writeCommand(payload); err != nil {
		return true, wrapErr(ErrKindProtocolError, err)
	}
	return false, nil
}

func (s *Session) handleCreateStream(values []interface{}) (bool, error) {
	if len(values) < 2 {
		return true, wrapErr(ErrKindProtocolError, errors.New("createStream: expected >=2 AMF0 values"))
	}
	txnID, _ := values[1].(float64)
	streamID := s.nextStreamID
	s.nextStreamID++
	s.state = statePublish

	payload, encErr := amf0.EncodeAll("_result", txnID, amf0.Null{}, float64(streamID))
	if encErr != nil {
		return true, wrapErr(ErrKindProtocolError, fmt.Errorf("encode createStream response: %w", encErr))
	}
	if err := s.writeCommand(payload); err != nil {
		return true, wrapErr(ErrKindProtocolError, err)
	}
	return false, nil
}

func (s *Session) handlePublish(ctx context.Context, values []interface{}) (bool, error) {
	if len(values) < 4 {
		return true, wrapErr(ErrKindProtocolError, errors.New("publish: expected >=4 AMF0 values"))
	}
	streamName, _ := values[3].(string)

	id, authErr := s.owner.AuthorizePublish(ctx, PublishEvent{App: s.app, StreamName: streamName})
	if authErr != nil {
		_ = s.writeStatus(0, "error", "NetStream.Publish.Rejected", authErr.Error())
		return true, wrapErr(ErrKindPublishRejected, authErr)
	}
	s.streamSessionID = id
	s.state = stateStreaming

	if err := s.writeStatus(0, "status", "NetStream.Publish.Start", "Publishing "+streamName+"."); err != nil {
		return true, wrapErr(ErrKindProtocolError, err)
	}
	return false, nil
}

func (s *Session) writeStatus(txnID float64, level, code, description string) error {
	payload, err := amf0.EncodeAll(
		"onStatus",
		txnID,
		amf0.Null{},
		amf0.Object{"level": level, "code": code, "description": description},
	)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return s.writeCommand(payload)
}

func (s *Session) writeCommand(payload []byte) error {
	return s.writer.WriteMessage(chunk.Message{
		CSID:     commandCSID,
		TypeID:   typeAMF0Command,
		StreamID: 0,
		Payload:  payload,
	})
}
