package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"relaychat/auth"
	"relaychat/config"
	"relaychat/db"
	"relaychat/metrics"
)

// Server accepts websocket connections and runs one read loop per
// connection through the Router.
type Server struct {
	cfg      *config.Config
	store    db.Store
	registry *Registry
	router   *Router
	issuer   *auth.Issuer
	log      zerolog.Logger
	upgrader websocket.Upgrader

	origins  map[string]struct{}
	allowAll bool

	mu      sync.Mutex
	conns   map[*wsConn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// New builds a server. A nil issuer means connections are not
// authenticated and announces are trusted as given.
func New(store db.Store, issuer *auth.Issuer, cfg *config.Config, log zerolog.Logger) (*Server, error) {
	if cfg.RequireAuth && issuer == nil {
		return nil, fmt.Errorf("server: auth required but no token issuer configured")
	}

	registry := NewRegistry()
	router, err := NewRouter(store, registry, log.With().Str("component", "router").Logger(), cfg.NameCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		registry: registry,
		router:   router,
		issuer:   issuer,
		log:      log.With().Str("component", "ws").Logger(),
		conns:    make(map[*wsConn]struct{}),
	}
	s.origins, s.allowAll = normalizeOrigins(cfg.AllowedOrigins)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

func (s *Server) Router() *Router {
	return s.router
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// ServeWS upgrades the request and serves the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	authUserID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	connID := uuid.NewString()
	log := s.log.With().Str("conn_id", connID).Str("remote_addr", r.RemoteAddr).Logger()
	conn := newWSConn(connID, ws, log, s.cfg.SendBuffer, s.cfg.WriteTimeout, s.cfg.PingInterval)

	if !s.track(conn) {
		conn.Close(websocket.CloseGoingAway, reasonShutdown)
		conn.writePump()
		return
	}
	defer s.untrack(conn)

	var limiter *rate.Limiter
	if s.cfg.FrameRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.FrameRate), s.cfg.FrameBurst)
	}
	sess := NewSession(conn, log, authUserID, limiter)

	log.Info().Msg("client connected")
	go conn.writePump()
	s.readLoop(r.Context(), ws, conn, sess)
	log.Info().Msg("client disconnected")
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *wsConn, sess *Session) {
	defer func() {
		s.router.Release(ctx, sess)
		conn.Close(websocket.CloseNormalClosure, "")
	}()

	ws.SetReadLimit(s.cfg.MaxMessageSize)
	if s.cfg.PongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		})
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			logReadError(sess.log, err)
			return
		}
		if s.cfg.PongWait > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		}
		s.router.Handle(ctx, sess, data)
	}
}

// authenticate resolves the connecting user from a bearer token. It writes a
// 401 and returns false when the token is invalid, or missing while required.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*int64, bool) {
	if s.issuer == nil {
		return nil, true
	}

	token := auth.FromRequest(r)
	if token == "" {
		if s.cfg.RequireAuth {
			metrics.ConnectionsRejected.WithLabelValues("auth").Inc()
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return nil, false
		}
		return nil, true
	}

	userID, err := s.issuer.Parse(token)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("auth").Inc()
		s.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("rejected websocket token")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return nil, false
	}
	return &userID, true
}

func (s *Server) track(conn *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	metrics.ConnectionsActive.Inc()
	return true
}

func (s *Server) untrack(conn *wsConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	metrics.ConnectionsActive.Dec()
	s.wg.Done()
}

// Stats is a point-in-time view of connection state.
type Stats struct {
	Connections int
	Users       []int64
}

func (st Stats) String() string {
	users := make([]string, len(st.Users))
	for i, id := range st.Users {
		users[i] = strconv.FormatInt(id, 10)
	}
	return "connections=" + strconv.Itoa(st.Connections) + ",users=" + strings.Join(users, ";")
}

func (s *Server) GetStats() Stats {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	return Stats{Connections: n, Users: s.registry.OnlineUsers()}
}

// Shutdown stops accepting connections, closes every open one with
// CloseGoingAway and waits for their offline cleanup. If ctx ends first,
// all stored presence is reset so no user is left marked online.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.log.Info().Int("connections", len(conns)).Msg("closing connections")
	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	err := fmt.Errorf("waiting for connections: %w", ctx.Err())
	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultCleanupTimeout)
	defer cancel()
	if _, resetErr := s.store.ResetPresence(resetCtx); resetErr != nil {
		err = multierr.Append(err, fmt.Errorf("reset presence: %w", resetErr))
	}
	return err
}

func normalizeOrigins(origins []string) (map[string]struct{}, bool) {
	normalized := make(map[string]struct{}, len(origins))
	allowAll := false
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}
		if o, ok := normalizeOrigin(trimmed); ok {
			normalized[o] = struct{}{}
		}
	}
	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// checkOrigin admits requests without an Origin header, which only
// non-browser clients send.
func (s *Server) checkOrigin(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || s.allowAll {
		return true
	}
	if o, ok := normalizeOrigin(header); ok {
		if _, allowed := s.origins[o]; allowed {
			return true
		}
	}
	metrics.ConnectionsRejected.WithLabelValues("origin").Inc()
	s.log.Warn().Str("origin", header).Msg("blocked websocket connection from disallowed origin")
	return false
}
