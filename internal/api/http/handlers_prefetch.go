package apihttp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"trackstream/internal/domain"
	"trackstream/internal/library"
	"trackstream/internal/prefetch"
)

const maxPrefetchBatch = 500

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/prefetch" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.prefetch == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "prefetch is not configured")
		return
	}

	var payload domain.PrefetchRequest
	if err := decodeJSONBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(payload.TrackIDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "track_ids is required")
		return
	}
	if len(payload.TrackIDs) > maxPrefetchBatch {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("too many track_ids (max %d)", maxPrefetchBatch))
		return
	}
	for _, id := range payload.TrackIDs {
		if err := library.ValidateID(id); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid track id %q", truncate(id, 80)))
			return
		}
	}

	accepted, err := s.prefetch.Submit(payload.TrackIDs)
	if err != nil {
		switch {
		case errors.Is(err, prefetch.ErrEmptyBatch):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, prefetch.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
		default:
			s.logger.Error("prefetch submit failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "internal_error", "prefetch failed")
		}
		return
	}

	s.logger.Debug("prefetch batch accepted",
		slog.String("batchId", accepted.BatchID),
		slog.Int("accepted", accepted.Accepted),
	)
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handlePrefetchReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.prefetch == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "prefetch is not configured")
		return
	}
	batchID := strings.TrimPrefix(r.URL.Path, "/prefetch/")
	if batchID == "" || strings.Contains(batchID, "/") {
		http.NotFound(w, r)
		return
	}

	report, ok := s.prefetch.Report(batchID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "batch is still running or no longer retained")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
