package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chat-delivery/internal/config"
	"chat-delivery/internal/logging"
	"chat-delivery/internal/models"
)

// CloseSuperseded is sent to a client whose connection was replaced by a
// newer one for the same user.
const CloseSuperseded = 4001

// ErrServerShutdown closes sessions when the service stops.
var ErrServerShutdown = errors.New("server shutting down")

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Settings tune a session's pumps.
type Settings struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	MaxBodyLength  int
}

// SettingsFromConfig fills unset values with defaults.
func SettingsFromConfig(cfg config.WebSocketConfig, maxBodyLength int) Settings {
	s := Settings{
		PingInterval:   cfg.PingInterval,
		PongWait:       cfg.PongWait,
		WriteWait:      cfg.WriteWait,
		MaxMessageSize: cfg.MaxMessageSize,
		SendBuffer:     cfg.SendBuffer,
		MaxBodyLength:  maxBodyLength,
	}
	return s.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.PongWait <= 0 {
		s.PongWait = 60 * time.Second
	}
	if s.PingInterval <= 0 || s.PingInterval >= s.PongWait {
		s.PingInterval = s.PongWait * 9 / 10
	}
	if s.WriteWait <= 0 {
		s.WriteWait = 10 * time.Second
	}
	if s.SendBuffer <= 0 {
		s.SendBuffer = 64
	}
	if s.MaxBodyLength <= 0 {
		s.MaxBodyLength = models.DefaultMaxBodyLength
	}
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = 64 * 1024
	}
	if floor := minReadLimit(s.MaxBodyLength); s.MaxMessageSize < floor {
		s.MaxMessageSize = floor
	}
	return s
}

const (
	// maxEncodedRuneBytes is the widest JSON encoding of one rune: a
	// surrogate pair written as two \uXXXX escapes.
	maxEncodedRuneBytes = 12
	// hintEnvelopeOverhead covers the event name, keys and both user ids of
	// a message-sent frame.
	hintEnvelopeOverhead = 4096
)

// minReadLimit is the smallest frame size that admits every message-sent
// hint whose body is within maxBodyLength runes.
func minReadLimit(maxBodyLength int) int64 {
	return int64(maxBodyLength)*maxEncodedRuneBytes + hintEnvelopeOverhead
}

// Session is one user's live channel. It implements presence.Conn.
//
// The send channel is never closed; closing the session closes the closed
// channel instead, which wakes both the write pump and pending pushes.
type Session struct {
	info     ConnInfo
	conn     *websocket.Conn
	settings Settings
	log      zerolog.Logger

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	reason    error
	state     atomic.Int32

	finishOnce sync.Once
	onFinish   func(*Session, error)
}

func newSession(conn *websocket.Conn, info ConnInfo, settings Settings, logger zerolog.Logger, onFinish func(*Session, error)) *Session {
	settings = settings.withDefaults()
	return &Session{
		info:     info,
		conn:     conn,
		settings: settings,
		log:      logger.With().Str(logging.FieldUserID, info.UserID).Str(logging.FieldConnID, info.ConnID).Logger(),
		send:     make(chan []byte, settings.SendBuffer),
		closed:   make(chan struct{}),
		onFinish: onFinish,
	}
}

func (s *Session) ID() string { return s.info.ConnID }

func (s *Session) UserID() string { return s.info.UserID }

func (s *Session) State() State { return State(s.state.Load()) }

// Push queues msg as a message-received event. It waits for buffer space
// until ctx ends or the session closes.
func (s *Session) Push(ctx context.Context, msg models.Message) error {
	payload, err := models.NewEvent(models.EventMessageReceived, models.MessageReceived{Message: msg})
	if err != nil {
		return err
	}

	select {
	case <-s.closed:
		return models.ErrConnClosed
	default:
	}

	// Queue without waiting when there is room, even if ctx is already done.
	select {
	case s.send <- payload:
		return nil
	default:
	}

	select {
	case s.send <- payload:
		return nil
	case <-s.closed:
		return models.ErrConnClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", models.ErrDeliveryTimeout, ctx.Err())
	}
}

// Close marks the session closed. The write pump sends a close frame derived
// from reason and tears the connection down.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.reason = reason
		s.state.Store(int32(StateClosed))
		close(s.closed)
	})
}

func (s *Session) closeReason() error {
	select {
	case <-s.closed:
		return s.reason
	default:
		return nil
	}
}

// run drives the session until the connection ends. The finish callback
// runs exactly once after both pumps have stopped.
func (s *Session) run() {
	if s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		s.log.Debug().Msg("session open")
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()

	err := s.readPump()
	s.Close(err)
	<-writerDone

	s.finish()
}

func (s *Session) finish() {
	s.finishOnce.Do(func() {
		if s.onFinish != nil {
			s.onFinish(s, s.closeReason())
		}
	})
}

func (s *Session) readPump() error {
	s.conn.SetReadLimit(s.settings.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.settings.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.settings.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return fmt.Errorf("%w: client closed", models.ErrConnClosed)
			}
			if s.closeReason() != nil {
				return s.closeReason()
			}
			return fmt.Errorf("%w: read: %v", models.ErrConnClosed, err)
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.settings.PongWait))
		s.handleClientEvent(data)
	}
}

func (s *Session) handleClientEvent(data []byte) {
	var event models.Event
	if err := json.Unmarshal(data, &event); err != nil {
		s.reply(models.EventError, models.ErrorEvent{Error: "malformed event"})
		return
	}

	switch event.Event {
	case models.EventPing:
		publishWSEvent(context.Background(), s.info, eventPing, "")
		s.reply(models.EventPong, nil)
	case models.EventMessageSent:
		if err := s.checkHint(event.Data); err != nil {
			s.log.Debug().Err(err).Msg("rejected message-sent hint")
			s.reply(models.EventError, models.ErrorEvent{Error: err.Error()})
			return
		}
		publishWSEvent(context.Background(), s.info, eventHint, "")
		s.log.Debug().Msg("message-sent hint received")
	default:
		s.reply(models.EventError, models.ErrorEvent{Error: fmt.Sprintf("unknown event %q", event.Event)})
	}
}

// checkHint validates a message-sent hint. Hints are never stored; the
// message itself goes through the HTTP send path.
func (s *Session) checkHint(raw json.RawMessage) error {
	var hint models.MessageSentHint
	if len(raw) == 0 {
		return fmt.Errorf("%w: message-sent requires data", models.ErrValidation)
	}
	if err := json.Unmarshal(raw, &hint); err != nil {
		return fmt.Errorf("%w: malformed message-sent data", models.ErrValidation)
	}
	if hint.From != "" && hint.From != s.info.UserID {
		return fmt.Errorf("%w: from does not match connection", models.ErrValidation)
	}
	if err := models.ValidateParties(s.info.UserID, hint.To); err != nil {
		return err
	}
	return models.ValidateBody(hint.Message, s.settings.MaxBodyLength)
}

// reply queues an event without blocking; it is dropped when the buffer is
// full.
func (s *Session) reply(name string, data any) {
	payload, err := models.NewEvent(name, data)
	if err != nil {
		return
	}
	select {
	case s.send <- payload:
	default:
		s.log.Warn().Str("event", name).Msg("send buffer full, dropping reply")
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.settings.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.settings.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.Close(fmt.Errorf("%w: write: %v", models.ErrConnClosed, err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.settings.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close(fmt.Errorf("%w: ping: %v", models.ErrConnClosed, err))
				return
			}
		case <-s.closed:
			code, text := closeFrame(s.closeReason())
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(s.settings.WriteWait))
			return
		}
	}
}

func closeFrame(reason error) (int, string) {
	switch {
	case errors.Is(reason, models.ErrPresenceConflict):
		return CloseSuperseded, "superseded by a newer connection"
	case errors.Is(reason, ErrServerShutdown):
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseNormalClosure, ""
	}
}
