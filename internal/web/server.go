package web

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/deepr/internal/config"
	"github.com/mtzanidakis/deepr/internal/coordinator"
	"github.com/mtzanidakis/deepr/internal/natsbus"
	"github.com/mtzanidakis/deepr/internal/store"
	"github.com/mtzanidakis/deepr/internal/vault"
	"github.com/nats-io/nats.go"
)

//go:embed static
var staticFiles embed.FS

const (
	sessionCookieName = "session"
	sessionTTL        = 30 * 24 * time.Hour
)

type Server struct {
	store     *store.Store
	nats      *natsbus.Client
	coord     *coordinator.Coordinator
	vault     *vault.Vault
	hub       *Hub
	cfg       config.WebConfig
	model     string
	version   string
	startedAt time.Time
	sessions  *sessionSet
}

// NewServer returns the web front-end. client and v may be nil; without a
// client no live events reach websocket clients, without a vault the
// secrets API answers 503.
func NewServer(s *store.Store, client *natsbus.Client, coord *coordinator.Coordinator, cfg config.WebConfig, v *vault.Vault, model, version string) *Server {
	return &Server{
		store:     s,
		nats:      client,
		coord:     coord,
		vault:     v,
		hub:       NewHub(),
		cfg:       cfg,
		model:     model,
		version:   version,
		startedAt: time.Now(),
		sessions:  newSessionSet(sessionTTL),
	}
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.subscribeEvents()

	handler, err := s.Handler()
	if err != nil {
		return err
	}
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler returns the route tree behind the CORS and auth middleware.
func (s *Server) Handler() (http.Handler, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/check", s.handleAuthCheck)
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("static fs: %w", err)
	}
	fileServer := http.FileServer(http.FS(staticFS))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Client-side routes have no extension and all load the app shell.
		if !strings.Contains(r.URL.Path, ".") && r.URL.Path != "/" {
			r.URL.Path = "/"
		}
		fileServer.ServeHTTP(w, r)
	})

	return s.withMiddleware(mux), nil
}

// publicAPI lists the API paths reachable without credentials.
var publicAPI = map[string]bool{
	"/api/login":      true,
	"/api/auth/check": true,
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		guarded := s.cfg.Auth != "" && strings.HasPrefix(r.URL.Path, "/api/") && !publicAPI[r.URL.Path]
		if guarded && !s.authenticated(w, r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticated accepts a live session cookie, refreshing it, or Basic
// credentials carrying the configured password for scripted clients.
func (s *Server) authenticated(w http.ResponseWriter, r *http.Request) bool {
	if s.validSession(w, r) {
		return true
	}
	_, pass, ok := r.BasicAuth()
	return ok && passwordMatches(pass, s.cfg.Auth)
}

func (s *Server) validSession(w http.ResponseWriter, r *http.Request) bool {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || !s.sessions.touch(cookie.Value, time.Now()) {
		return false
	}
	s.writeSessionCookie(w, cookie.Value, int(sessionTTL.Seconds()))
	return true
}

func (s *Server) writeSessionCookie(w http.ResponseWriter, token string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

var statusOK = map[string]string{"status": "ok"}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		jsonResponse(w, statusOK)
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !passwordMatches(body.Password, s.cfg.Auth) {
		jsonError(w, "invalid password", http.StatusUnauthorized)
		return
	}

	token, err := s.sessions.open(time.Now())
	if err != nil {
		slog.Error("open session", "error", err)
		jsonError(w, "session creation failed", http.StatusInternalServerError)
		return
	}
	s.writeSessionCookie(w, token, int(sessionTTL.Seconds()))
	jsonResponse(w, statusOK)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.sessions.close(cookie.Value)
	}
	s.writeSessionCookie(w, "", -1)
	jsonResponse(w, statusOK)
}

// handleAuthCheck answers 204 when no password is set so the UI skips its
// login screen.
func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	switch {
	case s.cfg.Auth == "":
		w.WriteHeader(http.StatusNoContent)
	case s.validSession(w, r):
		jsonResponse(w, statusOK)
	default:
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
}

func passwordMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// sessionSet tracks login tokens and their sliding expiry.
type sessionSet struct {
	ttl time.Duration

	mu     sync.Mutex
	expiry map[string]time.Time
}

func newSessionSet(ttl time.Duration) *sessionSet {
	return &sessionSet{ttl: ttl, expiry: make(map[string]time.Time)}
}

func (ss *sessionSet) open(now time.Time) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	ss.mu.Lock()
	ss.expiry[token] = now.Add(ss.ttl)
	ss.mu.Unlock()
	return token, nil
}

// touch extends a live token and reports whether it was live. Expired
// tokens are dropped.
func (ss *sessionSet) touch(token string, now time.Time) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	exp, ok := ss.expiry[token]
	if !ok {
		return false
	}
	if !now.Before(exp) {
		delete(ss.expiry, token)
		return false
	}
	ss.expiry[token] = now.Add(ss.ttl)
	return true
}

func (ss *sessionSet) close(token string) {
	ss.mu.Lock()
	delete(ss.expiry, token)
	ss.mu.Unlock()
}

// subscribeEvents relays every research and schedule event to websocket
// clients unchanged.
func (s *Server) subscribeEvents() {
	if s.nats == nil {
		return
	}
	_, err := s.nats.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		if !json.Valid(msg.Data) {
			slog.Warn("dropping malformed event", "subject", msg.Subject)
			return
		}
		s.hub.Broadcast(msg.Data)
	})
	if err != nil {
		slog.Error("web event subscription failed", "error", err)
	}
}
