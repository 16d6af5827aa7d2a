package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"trackstream/internal/auth"
	"trackstream/internal/cache"
	"trackstream/internal/domain"
)

type TrackLibrary interface {
	Resolve(id string) (domain.Track, error)
	PickRandom() (string, error)
}

// TrackCache is the only path track bytes are read through.
type TrackCache interface {
	Get(ctx context.Context, id string) (*cache.Handle, error)
}

type Prefetcher interface {
	Submit(ids []string) (domain.PrefetchAccepted, error)
	Report(batchID string) (domain.PrefetchReport, bool)
}

type Server struct {
	library   TrackLibrary
	cache     TrackCache
	prefetch  Prefetcher
	auth      auth.Authenticator
	logger    *slog.Logger
	rateRPS   float64
	rateBurst int
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithPrefetcher(prefetch Prefetcher) ServerOption {
	return func(s *Server) {
		s.prefetch = prefetch
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 && burst > 0 {
			s.rateRPS = rps
			s.rateBurst = burst
		}
	}
}

func NewServer(library TrackLibrary, trackCache TrackCache, authenticator auth.Authenticator, options ...ServerOption) *Server {
	server := &Server{
		library:   library,
		cache:     trackCache,
		auth:      authenticator,
		logger:    slog.Default(),
		rateRPS:   50,
		rateBurst: 100,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/tracks/", s.handleTrack)
	mux.HandleFunc("/prefetch", s.handlePrefetch)
	mux.HandleFunc("/prefetch/", s.handlePrefetchReport)
	mux.HandleFunc("/random", s.handleRandom)
	mux.HandleFunc("/user", s.handleUser)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, authMiddleware(s.auth, mux)), "trackstream",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	return recoveryMiddleware(s.logger, corsMiddleware(rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(traced))))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/user" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", auth.ErrMissingToken.Error())
		return
	}
	writeJSON(w, http.StatusOK, domain.UserInfo{
		UserID: claims.Subject,
		Email:  claims.Email,
	})
}

func decodeJSONBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
