// Package library maps opaque track identifiers to audio files under a
// read-only music root.
package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trackstream/internal/domain"
	"trackstream/internal/metrics"
)

var (
	ErrInvalidIdentifier = errors.New("invalid track identifier")
	ErrNotFound          = errors.New("track not found")
	ErrNoTracks          = errors.New("no tracks found")
	ErrTrackChanged      = errors.New("track shrank while being read")
)

const maxIDLength = 128

var tracer = otel.Tracer("trackstream/library")

type Library struct {
	root string
}

// New returns a Library rooted at dir. The root does not have to exist yet;
// lookups against a missing root report ErrNotFound.
func New(dir string) (*Library, error) {
	base := strings.TrimSpace(dir)
	if base == "" {
		return nil, errors.New("music dir is required")
	}
	base, err := filepath.Abs(filepath.Clean(base))
	if err != nil {
		return nil, fmt.Errorf("resolve music dir: %w", err)
	}
	if real, err := filepath.EvalSymlinks(base); err == nil {
		base = real
	}
	return &Library{root: base}, nil
}

func (l *Library) Root() string {
	return l.root
}

// ValidateID checks the identifier syntax without touching the filesystem.
func ValidateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return ErrInvalidIdentifier
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return ErrInvalidIdentifier
		}
	}
	return nil
}

// Resolve returns the canonical path and size of a track. The resolved path
// must stay inside the root after symlink evaluation.
func (l *Library) Resolve(id string) (domain.Track, error) {
	if err := ValidateID(id); err != nil {
		return domain.Track{}, err
	}

	joined := filepath.Join(l.root, id+domain.TrackExtension)
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Track{}, ErrNotFound
		}
		return domain.Track{}, fmt.Errorf("resolve track %q: %w", id, err)
	}
	if !withinRoot(l.root, resolved) {
		return domain.Track{}, ErrNotFound
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Track{}, ErrNotFound
		}
		return domain.Track{}, fmt.Errorf("stat track %q: %w", id, err)
	}
	if !info.Mode().IsRegular() {
		return domain.Track{}, ErrNotFound
	}

	return domain.Track{
		ID:          id,
		Path:        resolved,
		Size:        info.Size(),
		ContentType: domain.TrackContentType,
	}, nil
}

// Load reads the full content of a track.
func (l *Library) Load(ctx context.Context, id string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "library.Load")
	defer span.End()
	span.SetAttributes(attribute.String("track.id", id))

	started := time.Now()
	data, err := l.load(ctx, id)
	metrics.TrackLoadDuration.WithLabelValues("disk").Observe(time.Since(started).Seconds())
	switch {
	case err == nil:
		metrics.TrackLoadsTotal.WithLabelValues("disk", "ok").Inc()
		span.SetAttributes(attribute.Int("track.bytes", len(data)))
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidIdentifier):
		metrics.TrackLoadsTotal.WithLabelValues("disk", "not_found").Inc()
		span.SetStatus(codes.Error, err.Error())
	default:
		metrics.TrackLoadsTotal.WithLabelValues("disk", "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return data, err
}

func (l *Library) load(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := l.Resolve(id)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(track.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open track %q: %w", id, err)
	}
	defer file.Close()

	// exact-size buffer: the cache accounts len(data), so cap must match
	data := make([]byte, track.Size)
	if _, err := io.ReadFull(file, data); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read track %q: %w", id, ErrTrackChanged)
		}
		return nil, fmt.Errorf("read track %q: %w", id, err)
	}
	return data, nil
}

// List returns the identifiers of every track directly under the root that
// Resolve would accept, so symlinks escaping the root or naming directories
// are left out.
func (l *Library) List() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list music dir: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		id, ok := strings.CutSuffix(name, domain.TrackExtension)
		if !ok || ValidateID(id) != nil {
			continue
		}
		if _, err := l.Resolve(id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// PickRandom draws one identifier uniformly from List.
func (l *Library) PickRandom() (string, error) {
	ids, err := l.List()
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", ErrNoTracks
	}
	return ids[rand.IntN(len(ids))], nil
}

func withinRoot(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}
