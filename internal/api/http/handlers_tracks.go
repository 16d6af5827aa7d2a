package apihttp

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"trackstream/internal/domain"
	"trackstream/internal/httprange"
	"trackstream/internal/library"
)

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/tracks/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not_found", library.ErrNotFound.Error())
		return
	}

	track, err := s.library.Resolve(id)
	if err != nil {
		s.writeTrackError(w, r, id, err)
		return
	}

	rng := httprange.Parse(r.Header.Get("Range"), track.Size)
	if rng.Kind == httprange.Unsatisfiable {
		writeUnsatisfiable(w, track.Size)
		return
	}
	if r.Method == http.MethodHead {
		writeTrackHeaders(w, rng, track.Size)
		return
	}

	handle, err := s.cache.Get(r.Context(), id)
	if err != nil {
		s.writeTrackError(w, r, id, err)
		return
	}
	defer handle.Release()

	data := handle.Bytes()
	size := int64(len(data))
	if size != track.Size {
		// content changed between stat and load; serve what was read
		rng = httprange.Parse(r.Header.Get("Range"), size)
		if rng.Kind == httprange.Unsatisfiable {
			writeUnsatisfiable(w, size)
			return
		}
	}

	writeTrackHeaders(w, rng, size)
	body := data
	if rng.Kind == httprange.Partial {
		body = data[rng.Spec.Start : rng.Spec.End+1]
	}
	if _, err := w.Write(body); err != nil {
		s.logger.Debug("track write interrupted",
			slog.String("trackId", id),
			slog.String("error", err.Error()),
		)
	}
}

func writeTrackHeaders(w http.ResponseWriter, rng httprange.Result, size int64) {
	header := w.Header()
	header.Set("Content-Type", domain.TrackContentType)
	header.Set("Accept-Ranges", "bytes")
	if rng.Kind == httprange.Partial {
		header.Set("Content-Range", rng.Spec.ContentRange(size))
		header.Set("Content-Length", strconv.FormatInt(rng.Spec.Length(), 10))
		w.WriteHeader(http.StatusPartialContent)
		return
	}
	header.Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
}

func writeUnsatisfiable(w http.ResponseWriter, size int64) {
	w.Header().Set("Content-Range", httprange.UnsatisfiedRange(size))
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
}

// statusClientClosedRequest marks requests whose client left before a
// response was written.
const statusClientClosedRequest = 499

func (s *Server) writeTrackError(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case errors.Is(err, library.ErrNotFound), errors.Is(err, library.ErrInvalidIdentifier):
		writeError(w, http.StatusNotFound, "not_found", library.ErrNotFound.Error())
	case r.Context().Err() != nil && errors.Is(err, r.Context().Err()):
		// nobody reads this response; the status is for logs and metrics
		w.WriteHeader(statusClientClosedRequest)
		s.logger.Debug("track request cancelled", slog.String("trackId", id))
	default:
		s.logger.Error("track load failed",
			slog.String("trackId", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read track")
	}
}

func (s *Server) handleRandom(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/random" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id, err := s.library.PickRandom()
	if err != nil {
		if errors.Is(err, library.ErrNoTracks) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		s.logger.Error("random track selection failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tracks")
		return
	}

	w.Header().Set("Location", "/tracks/"+id)
	w.WriteHeader(http.StatusSeeOther)
}
