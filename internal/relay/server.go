// Package relay serves the client WebSocket protocol and dispatches client
// messages to the session, ingest and finalize services.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"meeting-transcription-relay/internal/models"
	"meeting-transcription-relay/internal/observability/logging"
	"meeting-transcription-relay/internal/observability/metrics"
	"meeting-transcription-relay/internal/schema"
	"meeting-transcription-relay/internal/service/audio"
	"meeting-transcription-relay/internal/service/finalize"
	"meeting-transcription-relay/internal/service/registry"
	"meeting-transcription-relay/internal/service/session"
)

// Options wires the relay to the services it dispatches to.
type Options struct {
	Registry  *registry.Registry
	Table     *session.Table
	Ingest    *audio.Ingest
	Finalizer *finalize.Finalizer
	Validator *schema.Validator
	Metrics   *metrics.Metrics

	ReadLimit       int64
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	FinalizeTimeout time.Duration
	CheckOrigin     func(r *http.Request) bool
}

// Server is the http.Handler for the /ws endpoint.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// New creates a relay server. A nil Validator uses schema defaults and a nil
// Metrics uses metrics.DefaultMetrics.
func New(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultMetrics
	}
	if opts.Validator == nil {
		opts.Validator = schema.New(schema.DefaultLimits())
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 30 * time.Second
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		log:    logging.WithComponent("relay"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeHTTP upgrades the request and runs the connection until the socket closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()
	s.serveConn(conn)
}

func (s *Server) serveConn(conn *websocket.Conn) {
	sender := newWSSender(conn, s.opts.WriteTimeout)
	c := s.opts.Registry.Register(sender)
	log := logging.WithClient(c.ID)
	log.Info().Str("remoteAddr", conn.RemoteAddr().String()).Msg("Client connected")

	defer func() {
		s.opts.Registry.Unregister(c.ID)
		_ = sender.Close()
		log.Info().Msg("Client disconnected")
	}()

	if s.opts.ReadLimit > 0 {
		conn.SetReadLimit(s.opts.ReadLimit)
	}
	stopPing := s.keepalive(conn, sender)
	defer stopPing()

	if err := sender.Send(models.Connected{Type: models.TypeConnected, ClientID: c.ID}); err != nil {
		log.Warn().Err(err).Msg("Failed to send connected message")
		return
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		s.opts.Registry.Touch(c.ID)

		switch mt {
		case websocket.TextMessage:
			var msg models.ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.reply(c, models.NewError(models.CodeInvalidMessage, "", "malformed JSON"))
				continue
			}
			s.dispatch(c, &msg, log)
		case websocket.BinaryMessage:
			s.handleAudio(c, c.MeetingID(), data, log)
		}
	}
}

// keepalive pings the client and extends the read deadline on each pong.
func (s *Server) keepalive(conn *websocket.Conn, sender *wsSender) func() {
	interval := s.opts.PingInterval
	if interval <= 0 {
		return func() {}
	}
	wait := 2 * interval
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if err := sender.ping(); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (s *Server) dispatch(c *registry.Connection, msg *models.ClientMessage, log zerolog.Logger) {
	audioData, err := s.opts.Validator.Validate(msg)
	if err != nil {
		s.reply(c, models.NewError(models.CodeInvalidMessage, msg.MeetingID, err.Error()))
		return
	}

	switch msg.Type {
	case models.TypeStartMeeting:
		s.handleStart(c, msg, log)
	case models.TypeJoinMeeting:
		s.handleJoin(c, msg.MeetingID, log)
	case models.TypeAudio:
		s.handleAudio(c, msg.MeetingID, audioData, log)
	case models.TypeEndMeeting:
		s.handleEnd(c, msg.MeetingID, log)
	}
}

func (s *Server) handleStart(c *registry.Connection, msg *models.ClientMessage, log zerolog.Logger) {
	snap, err := s.opts.Table.Start(msg.MeetingID, msg.Participants)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyActive) {
			s.opts.Metrics.RecordSessionRejected("already_active")
			s.reply(c, models.NewError(models.CodeAlreadyActive, msg.MeetingID, "meeting already active"))
			return
		}
		log.Error().Err(err).Str("meetingId", msg.MeetingID).Msg("Failed to start session")
		s.reply(c, models.NewError(models.CodeInternal, msg.MeetingID, "could not start meeting"))
		return
	}
	s.opts.Metrics.RecordSessionStart()
	s.opts.Ingest.Open(msg.MeetingID, snap.Generation)

	if err := s.opts.Registry.Bind(c.ID, msg.MeetingID, snap.Generation); err != nil {
		log.Warn().Err(err).Msg("Bind failed")
	}
	log.Info().
		Str("meetingId", msg.MeetingID).
		Strs("participants", msg.Participants).
		Msg("Meeting started")
	s.reply(c, models.MeetingStarted{Type: models.TypeMeetingStarted, MeetingID: msg.MeetingID})
}

func (s *Server) handleJoin(c *registry.Connection, meetingID string, log zerolog.Logger) {
	snap, ok := s.opts.Table.Get(meetingID)
	if !ok || !snap.Active() {
		s.opts.Metrics.RecordSessionRejected("join_not_found")
		s.reply(c, models.NewError(models.CodeSessionNotFound, meetingID, "no active meeting"))
		return
	}
	if err := s.opts.Registry.Bind(c.ID, meetingID, snap.Generation); err != nil {
		log.Warn().Err(err).Msg("Bind failed")
	}
	log.Info().Str("meetingId", meetingID).Msg("Joined meeting")
	s.reply(c, models.MeetingStarted{Type: models.TypeMeetingStarted, MeetingID: meetingID})
}

func (s *Server) handleAudio(c *registry.Connection, meetingID string, data []byte, log zerolog.Logger) {
	if meetingID == "" {
		s.reply(c, models.NewError(models.CodeSessionNotFound, "", "connection is not bound to a meeting"))
		return
	}
	err := s.opts.Ingest.Accept(meetingID, data)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSessionNotFound):
		log.Debug().Str("meetingId", meetingID).Msg("Audio for unknown meeting dropped")
		s.reply(c, models.NewError(models.CodeSessionNotFound, meetingID, "no active meeting"))
	case errors.Is(err, audio.ErrChunkTooLarge):
		s.reply(c, models.NewError(models.CodeInvalidMessage, meetingID, err.Error()))
	default:
		log.Error().Err(err).Str("meetingId", meetingID).Msg("Audio rejected")
		s.reply(c, models.NewError(models.CodeInternal, meetingID, "audio rejected"))
	}
}

func (s *Server) handleEnd(c *registry.Connection, meetingID string, log zerolog.Logger) {
	bound := s.opts.Registry.BoundTo(meetingID)

	// Finalizing is detached from server shutdown so a client-requested end
	// still gets its full persist retries.
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FinalizeTimeout)
	defer cancel()
	fs, err := s.opts.Finalizer.Finalize(ctx, meetingID, finalize.TriggerClient)
	if err != nil {
		s.reply(c, models.NewError(models.CodeSessionNotFound, meetingID, "no active meeting"))
		return
	}

	ended := models.MeetingEnded{
		Type:            models.TypeMeetingEnded,
		MeetingID:       meetingID,
		TranscriptCount: fs.Statistics.TranscriptCount,
	}
	s.reply(c, ended)
	for _, other := range bound {
		if other.ID != c.ID {
			if err := other.Send(ended); err != nil {
				s.opts.Registry.MarkStale(other.ID)
			}
		}
	}
	log.Info().
		Str("meetingId", meetingID).
		Int("transcriptCount", fs.Statistics.TranscriptCount).
		Msg("Meeting ended")
}

func (s *Server) reply(c *registry.Connection, msg any) {
	if err := c.Send(msg); err != nil {
		s.opts.Registry.MarkStale(c.ID)
	}
}

// Shutdown closes every client socket and waits for their handlers to return
// or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	n := s.opts.Registry.CloseAll()
	s.log.Info().Int("connections", n).Msg("Closed client connections")

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
