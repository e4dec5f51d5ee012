// Package api provides the local HTTP and WebSocket control server.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"keysynth/internal/config"
	"keysynth/internal/dispatch"
	"keysynth/internal/event"
	"keysynth/internal/markup"
	"keysynth/internal/protocol"
)

var (
	ErrBadRequest = errors.New("bad request")
	ErrClosed     = errors.New("api: server closed")
)

// Server feeds commands from HTTP and WebSocket clients into one
// dispatcher, one command at a time.
type Server struct {
	cfg   config.APIConfig
	disp  *dispatch.Dispatcher
	wsMgr *WSManager

	mu        sync.Mutex // serializes dispatcher calls
	closed    bool
	startOnce sync.Once
}

// NewServer creates a new API server
func NewServer(cfg config.APIConfig, d *dispatch.Dispatcher) *Server {
	s := &Server{cfg: cfg, disp: d}
	s.wsMgr = newWSManager(s)
	return s
}

// Handler returns the routes wrapped in the auth and recover middleware
func (s *Server) Handler() http.Handler {
	s.startOnce.Do(func() { go s.wsMgr.start() })

	mux := http.NewServeMux()
	mux.HandleFunc("/api/text", s.handleText)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/release", s.handleRelease)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws", s.wsMgr.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return s.authMiddleware(s.recoverMiddleware(mux))
}

// Start serves on the configured address until ctx ends
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		log.Printf("ERROR: API server failed to listen on %s: %v", s.cfg.Listen, err)
		return err
	}
	log.Printf("Starting API server on %s", ln.Addr())

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		s.wsMgr.stop()
	}()

	// This is blocking
	if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
		log.Printf("ERROR: API server stopped: %v", err)
		return err
	}
	return nil
}

// recoverMiddleware prevents panics from crashing the whole server
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("PANIC RECOV: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks API token if configured. Browsers cannot set
// headers on WebSocket requests, so the token may also come as a query
// parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("API: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)

		// Skip auth for health check
		if r.URL.Path == "/health" || s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}

		got := r.Header.Get("Authorization")
		if t := r.URL.Query().Get("token"); t != "" {
			got = "Bearer " + t
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+s.cfg.Token)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Execute runs one command. A status request returns the status; other
// commands return nil on success.
func (s *Server) Execute(ctx context.Context, msg protocol.Message) (*protocol.StatusPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	heldBefore := len(s.disp.Held())
	modsBefore := s.disp.Modifiers()
	var err error
	switch msg.Type {
	case protocol.TypeText:
		var p protocol.TextPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		err = s.disp.Text(ctx, p.Text)

	case protocol.TypeKey:
		var p protocol.KeyPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		k, perr := event.ParseKey(p.Key)
		dir, derr := event.ParseDirection(p.Direction)
		if perr = errors.Join(perr, derr); perr != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadRequest, perr)
		}
		err = s.disp.Key(ctx, k, dir)

	case protocol.TypeButton:
		var p protocol.ButtonPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		b, berr := event.ParseButton(p.Button)
		dir, derr := event.ParseDirection(p.Direction)
		if berr = errors.Join(berr, derr); berr != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadRequest, berr)
		}
		err = s.disp.Button(ctx, b, dir)

	case protocol.TypeMove:
		var p protocol.MovePayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		c := event.Abs
		if p.Relative {
			c = event.Rel
		}
		err = s.disp.Move(ctx, p.X, p.Y, c)

	case protocol.TypeScroll:
		var p protocol.ScrollPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		axis := event.Vertical
		if p.Horizontal {
			axis = event.Horizontal
		}
		err = s.disp.Scroll(ctx, axis, p.Amount)

	case protocol.TypeReleaseAll:
		err = s.disp.ReleaseAll(ctx)

	case protocol.TypeStatus:
		st := s.statusLocked(ctx)
		return &st, nil

	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrBadRequest, msg.Type)
	}

	if len(s.disp.Held()) != heldBefore || s.disp.Modifiers() != modsBefore {
		s.wsMgr.BroadcastStatus(s.statusLocked(ctx))
	}
	return nil, err
}

// Close waits for the running command, then releases everything held and
// closes the backend. Later commands fail with ErrClosed.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.disp.Close()
}

// SetPacing changes the dispatcher options between commands
func (s *Server) SetPacing(opts dispatch.Options) {
	s.mu.Lock()
	s.disp.SetOptions(opts)
	s.mu.Unlock()
}

// Status returns the backend name and what is held
func (s *Server) Status(ctx context.Context) protocol.StatusPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(ctx)
}

// ReleaseAll releases every held key and button
func (s *Server) ReleaseAll(ctx context.Context) error {
	_, err := s.Execute(ctx, protocol.Message{Type: protocol.TypeReleaseAll})
	return err
}

func (s *Server) statusLocked(ctx context.Context) protocol.StatusPayload {
	st := protocol.StatusPayload{
		Backend:   s.disp.Backend(),
		Held:      []string{},
		Modifiers: s.disp.Modifiers().String(),
	}
	for _, k := range s.disp.Held() {
		st.Held = append(st.Held, k.String())
	}
	if s.closed {
		return st
	}
	if w, h, err := s.disp.DisplaySize(ctx); err == nil {
		st.Width, st.Height = w, h
	}
	return st
}

func decode(msg protocol.Message, v any) error {
	if err := msg.Decode(v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrBadRequest, msg.Type, err)
	}
	return nil
}

// isBadRequest reports whether err was caused by the command itself rather
// than by the backend.
func isBadRequest(err error) bool {
	var pe *markup.ParseError
	return errors.Is(err, ErrBadRequest) || errors.As(err, &pe) ||
		errors.Is(err, event.ErrInvalidKey) || errors.Is(err, dispatch.ErrNotHeld)
}

func result(st *protocol.StatusPayload, err error) protocol.ResultPayload {
	if err != nil {
		return protocol.ResultPayload{Error: err.Error()}
	}
	return protocol.ResultPayload{OK: true, Status: st}
}

func writeResult(w http.ResponseWriter, st *protocol.StatusPayload, err error) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case err == nil:
	case isBadRequest(err):
		w.WriteHeader(http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
	json.NewEncoder(w).Encode(result(st, err))
}

// handleText handles POST /api/text with a TextPayload body
func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var p protocol.TextPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeResult(w, nil, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	msg, _ := protocol.NewMessage(protocol.TypeText, "", p)
	st, err := s.Execute(r.Context(), msg)
	writeResult(w, st, err)
}

// handleCommand handles POST /api/command with a protocol.Message body
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg protocol.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeResult(w, nil, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	st, err := s.Execute(r.Context(), msg)
	writeResult(w, st, err)
}

// handleRelease handles POST /api/release
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeResult(w, nil, s.ReleaseAll(r.Context()))
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := s.Status(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// handleHealth handles GET /health (for monitoring)
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
