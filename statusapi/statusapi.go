// Package statusapi exposes the shared status.Status and the driver's
// select/retry commands over HTTP: a snapshot endpoint, a server-sent
// events stream of the live event bus, and two control endpoints (spec
// §6's external command surface, given a transport).
package statusapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v3"

	"github.com/ironledger/updateverify/driver"
	"github.com/ironledger/updateverify/events"
	"github.com/ironledger/updateverify/status"
)

// Server is the optional HTTP status/control surface.
type Server struct {
	st     *status.Status
	driver *driver.Driver
	router chi.Router
}

// New builds a Server wired to st and d.
func New(st *status.Status, d *driver.Driver, logger *slog.Logger) *Server {
	s := &Server{st: st, driver: d}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		httplog.RequestLogger(logger, &httplog.Options{}),
		middleware.Recoverer,
		middleware.Timeout(30*time.Second),
	)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	r.Post("/select", s.handleSelect)
	r.Post("/retry-download", s.handleRetryDownload)

	s.router = r
	return s
}

// Handler returns the HTTP handler to mount or serve.
func (s *Server) Handler() http.Handler { return s.router }

type statusSnapshot struct {
	State               string   `json:"state"`
	DNSValid            string   `json:"dns_valid"`
	HashValid           string   `json:"hash_valid"`
	ValidGitianSigs     uint32   `json:"valid_gitian_sigs"`
	MinValidGitianSigs  uint32   `json:"min_valid_gitian_sigs"`
	TotalGitianSigs     uint32   `json:"total_gitian_sigs"`
	ProcessedGitianSigs uint32   `json:"processed_gitian_sigs"`
	Software            string   `json:"software"`
	Buildtag            string   `json:"buildtag"`
	CurrentVersion      string   `json:"current_version"`
	SelectedVersion     string   `json:"selected_version"`
	DownloadPath        string   `json:"download_path"`
	Messages            []string `json:"messages"`
}

func (s *Server) snapshot() statusSnapshot {
	return statusSnapshot{
		State:               s.st.State().String(),
		DNSValid:            s.st.DNSValid().String(),
		HashValid:           s.st.HashValid().String(),
		ValidGitianSigs:     s.st.ValidGitianSigs(),
		MinValidGitianSigs:  s.st.MinValidGitianSigs(),
		TotalGitianSigs:     s.st.TotalGitianSigs(),
		ProcessedGitianSigs: s.st.ProcessedGitianSigs(),
		Software:            s.st.Software(),
		Buildtag:            s.st.Buildtag(),
		CurrentVersion:      s.st.CurrentVersion(),
		SelectedVersion:     s.st.SelectedVersion(),
		DownloadPath:        s.st.DownloadPath(),
		Messages:            s.st.Messages(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, unsubscribe := s.st.Bus().Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte("null")
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, payload)
}

type selectRequest struct {
	Software       string `json:"software"`
	Buildtag       string `json:"buildtag"`
	CurrentVersion string `json:"current_version"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Software == "" || req.Buildtag == "" || req.CurrentVersion == "" {
		http.Error(w, "software, buildtag and current_version are required", http.StatusBadRequest)
		return
	}

	s.driver.Select(req.Software, req.Buildtag, req.CurrentVersion)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRetryDownload(w http.ResponseWriter, r *http.Request) {
	if err := s.driver.RetryDownload(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
