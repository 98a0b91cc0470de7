package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/androfit/coach/internal/config"
	"github.com/androfit/coach/internal/observability"
	"github.com/androfit/coach/internal/protocol"
	"github.com/androfit/coach/internal/session"
	"github.com/androfit/coach/internal/voice"
)

const (
	wsReadLimit     = 2 << 20
	wsReadTimeout   = 120 * time.Second
	wsWriteTimeout  = 10 * time.Second
	wsQueueSize     = 256
	wsCloseGrace    = time.Second
	maxRequestBytes = 64 << 10
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

// Providers names the backends in use, reported by /readyz.
type Providers struct {
	Voice  string `json:"voice"`
	Brain  string `json:"brain"`
	Memory string `json:"memory"`
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	metrics      *observability.Metrics
	logger       *zap.Logger
	providers    Providers
	limiter      *createLimiter
	upgrader     websocket.Upgrader

	// readTimeout is how long a socket may go without any frame, pongs
	// included. The writer pings at pingPeriod to keep quiet clients alive.
	readTimeout time.Duration
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, metrics *observability.Metrics, logger *zap.Logger, providers Providers) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		metrics:      metrics,
		logger:       logger,
		providers:    providers,
		limiter:      newCreateLimiter(cfg.SessionCreatePerMin),
		readTimeout:  wsReadTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only open the coach socket from the serving origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/voice/session", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/ws", s.handleSessionWS)
		r.Get("/{id}", s.handleGetSession)
		r.Post("/{id}/end", s.handleEndSession)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"providers":       s.providers,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientKey(r)) {
		s.metrics.RateLimited.Inc()
		w.Header().Set("Retry-After", "60")
		respondError(w, http.StatusTooManyRequests, "rate_limited", "too many session requests")
		return
	}

	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		req.UserID = "anonymous"
	}
	req.PersonaID = strings.ToLower(strings.TrimSpace(req.PersonaID))
	if req.PersonaID == "" {
		req.PersonaID = s.cfg.PersonaID
	}
	if req.PersonaID == "" {
		req.PersonaID = voice.DefaultPersonaID
	}
	if !voice.KnownPersona(req.PersonaID) {
		respondError(w, http.StatusBadRequest, "unknown_persona", "unknown persona_id "+req.PersonaID)
		return
	}
	req.VoiceID = strings.TrimSpace(req.VoiceID)

	// A user holds one live session; a new one replaces the old.
	if prev, err := s.sessions.ActiveForUser(req.UserID); err == nil {
		if _, err := s.sessions.End(prev.ID, session.EndReasonClient); err == nil {
			s.metrics.SessionEvents.WithLabelValues("replaced").Inc()
		}
	}

	sess := s.sessions.Create(req.UserID, req.PersonaID, req.VoiceID)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID),
		zap.String("persona_id", sess.PersonaID),
	)

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:      sess.ID,
		UserID:         sess.UserID,
		Status:         sess.Status,
		PersonaID:      sess.PersonaID,
		VoiceID:        sess.VoiceID,
		StartedAt:      sess.StartedAt,
		LastActivityAt: sess.LastActivityAt,
		ConnectTTLMS:   s.cfg.SessionConnectTimeout.Milliseconds(),
		Limits: session.Limits{
			IdleTimeoutMS:        s.cfg.IdleTimeout.Milliseconds(),
			WarningDelayMS:       s.cfg.WarningDelay.Milliseconds(),
			MaxSessionDurationMS: s.cfg.MaxSessionDuration.Milliseconds(),
		},
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id, session.EndReasonClient)
	switch {
	case errors.Is(err, session.ErrEnded):
		respondJSON(w, http.StatusConflict, sess)
		return
	case err != nil:
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status == session.StatusEnded {
		respondError(w, http.StatusGone, "session_ended", "session already ended: "+string(sess.EndReason))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := s.logger.With(zap.String("session_id", sessionID))
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, wsQueueSize)
	outbound := make(chan any, wsQueueSize)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.orchestrator.RunConnection(ctx, sess, inbound, outbound); err != nil {
			logger.Info("connection rejected", zap.Error(err))
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(s.pingPeriod())
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					s.metrics.WSWriteErrors.WithLabelValues("ping").Inc()
					cancel()
					return
				}
			case msg := <-outbound:
				if !s.writeMessage(conn, msg) {
					cancel()
					return
				}
			case <-runDone:
				// The session is over: flush what is queued, then hang up.
			drain:
				for {
					select {
					case msg := <-outbound:
						if !s.writeMessage(conn, msg) {
							return
						}
					default:
						break drain
					}
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(wsCloseGrace))
				_ = conn.Close()
				return
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Writes stay on the writer goroutine; drop when it is saturated.
				s.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
			}
			continue
		}

		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case <-runDone:
			break readLoop
		case inbound <- parsed:
		}
	}

	close(inbound)
	<-runDone
	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// pingPeriod leaves a pong one tenth of the read timeout to arrive.
func (s *Server) pingPeriod() time.Duration {
	return s.readTimeout * 9 / 10
}

func (s *Server) writeMessage(conn *websocket.Conn, msg any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
		return false
	}
	if t, ok := protocol.TypeOf(msg); ok {
		s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
