// Package prefetch warms the track cache in the background for batches of
// track identifiers. Item failures are recorded, never returned to the caller
// that submitted the batch.
package prefetch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"trackstream/internal/domain"
	"trackstream/internal/library"
	"trackstream/internal/metrics"
)

const (
	DefaultWorkers     = 4
	DefaultItemTimeout = 60 * time.Second
	defaultHistory     = 32
)

var (
	ErrEmptyBatch = errors.New("prefetch batch is empty")
	ErrClosed     = errors.New("prefetch service is closed")
)

// Warmer loads a track into the cache and reports its size.
type Warmer interface {
	Warm(ctx context.Context, id string) (int64, error)
}

type Service struct {
	warmer      Warmer
	workers     int64
	itemTimeout time.Duration
	history     int
	logger      *slog.Logger
	newID       func() string

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	reports []domain.PrefetchReport
}

type Option func(*Service)

// WithWorkers bounds how many tracks are warmed at once across all batches.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = int64(n)
		}
	}
}

func WithItemTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.itemTimeout = timeout
		}
	}
}

// WithHistory sets how many finished batch reports are kept.
func WithHistory(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.history = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(warmer Warmer, opts ...Option) *Service {
	s := &Service{
		warmer:      warmer,
		workers:     DefaultWorkers,
		itemTimeout: DefaultItemTimeout,
		history:     defaultHistory,
		logger:      slog.Default(),
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.sem = semaphore.NewWeighted(s.workers)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Submit accepts a batch and returns immediately. Duplicate ids in a batch
// are warmed once.
func (s *Service) Submit(ids []string) (domain.PrefetchAccepted, error) {
	unique := dedupe(ids)
	if len(unique) == 0 {
		return domain.PrefetchAccepted{}, ErrEmptyBatch
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.PrefetchAccepted{}, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	batchID := s.newID()
	metrics.PrefetchBatchesTotal.Inc()
	go s.runBatch(batchID, unique)

	return domain.PrefetchAccepted{BatchID: batchID, Accepted: len(unique)}, nil
}

func (s *Service) runBatch(batchID string, ids []string) {
	defer s.wg.Done()

	report := domain.PrefetchReport{
		BatchID:   batchID,
		StartedAt: time.Now().UTC(),
		Items:     make([]domain.PrefetchItemResult, len(ids)),
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			report.Items[i] = s.warmOne(batchID, id)
		}(i, id)
	}
	wg.Wait()

	report.FinishedAt = time.Now().UTC()
	s.record(report)

	s.logger.Info("prefetch batch finished",
		slog.String("batchId", batchID),
		slog.Int("items", len(report.Items)),
		slog.Int("failed", report.Failed()),
		slog.Int64("durationMs", report.FinishedAt.Sub(report.StartedAt).Milliseconds()),
	)
}

func (s *Service) warmOne(batchID, id string) domain.PrefetchItemResult {
	result := domain.PrefetchItemResult{TrackID: id}

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		result.Status = domain.PrefetchSkipped
		metrics.PrefetchItemsTotal.WithLabelValues(string(result.Status)).Inc()
		return result
	}
	defer s.sem.Release(1)

	ctx, cancel := context.WithTimeout(s.ctx, s.itemTimeout)
	defer cancel()

	size, err := s.warmer.Warm(ctx, id)
	switch {
	case err == nil:
		result.Status = domain.PrefetchWarmed
		result.Bytes = size
	case errors.Is(err, library.ErrNotFound), errors.Is(err, library.ErrInvalidIdentifier):
		result.Status = domain.PrefetchNotFound
		result.Error = err.Error()
	case s.ctx.Err() != nil:
		result.Status = domain.PrefetchSkipped
		result.Error = err.Error()
	default:
		result.Status = domain.PrefetchFailed
		result.Error = err.Error()
	}
	metrics.PrefetchItemsTotal.WithLabelValues(string(result.Status)).Inc()

	if result.Status != domain.PrefetchWarmed {
		s.logger.Warn("prefetch item not warmed",
			slog.String("batchId", batchID),
			slog.String("trackId", id),
			slog.String("status", string(result.Status)),
			slog.String("error", result.Error),
		)
	}
	return result
}

func (s *Service) record(report domain.PrefetchReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	if over := len(s.reports) - s.history; over > 0 {
		s.reports = append(s.reports[:0:0], s.reports[over:]...)
	}
}

// Report returns the outcome of a finished batch still in history.
func (s *Service) Report(batchID string) (domain.PrefetchReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.reports) - 1; i >= 0; i-- {
		if s.reports[i].BatchID == batchID {
			return s.reports[i], true
		}
	}
	return domain.PrefetchReport{}, false
}

// Recent returns finished batch reports, newest first.
func (s *Service) Recent() []domain.PrefetchReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PrefetchReport, 0, len(s.reports))
	for i := len(s.reports) - 1; i >= 0; i-- {
		out = append(out, s.reports[i])
	}
	return out
}

// Close stops accepting batches and waits for running ones. When ctx ends
// first, pending items are abandoned and reported as skipped.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
