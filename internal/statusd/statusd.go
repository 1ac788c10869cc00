// Package statusd serves a running sweep's progress over HTTP.
package statusd

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"gossipsim/internal/metrics"
)

// Source supplies the snapshot served on every request.
type Source func() metrics.Snapshot

type Server struct {
	src    Source
	router *mux.Router
	srv    *http.Server
	ln     net.Listener
}

// Start binds addr and serves in the background. Non-loopback addresses
// require GOSSIPSIM_STATUS_ALLOW_PUBLIC=1.
func Start(addr string, src Source, logw io.Writer) (*Server, error) {
	allowPublic := strings.TrimSpace(os.Getenv("GOSSIPSIM_STATUS_ALLOW_PUBLIC")) == "1"
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("status addr must be loopback unless GOSSIPSIM_STATUS_ALLOW_PUBLIC=1: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("status listen failed: %w", err)
	}
	s := &Server{src: src, ln: ln}
	s.setupRoutes()
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if logw != nil {
		fmt.Fprintf(logw, "status enabled: http://%s/api/v1/status\n", ln.Addr())
	}
	go func() {
		_ = s.srv.Serve(ln)
	}()
	return s, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.getStatus).Methods("GET")
	api.HandleFunc("/recent", s.getRecent).Methods("GET")
	api.HandleFunc("/health", s.getHealth).Methods("GET")
	s.router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
	})
	s.router.Use(c.Handler)
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src())
}

// getRecent serves the newest finished runs, optionally limited by ?n=.
func (s *Server) getRecent(w http.ResponseWriter, r *http.Request) {
	recent := s.src().Recent
	if raw := r.URL.Query().Get("n"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid n"})
			return
		}
		if len(recent) > n {
			recent = recent[len(recent)-n:]
		}
	}
	writeJSON(w, http.StatusOK, recent)
}

func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.src()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"outstanding": snap.Sweep.Outstanding,
		"done":        snap.Sweep.Done(),
		"total":       snap.Sweep.Total,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
