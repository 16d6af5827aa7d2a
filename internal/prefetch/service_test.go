package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackstream/internal/domain"
	"trackstream/internal/library"
)

type fakeWarmer struct {
	mu      sync.Mutex
	calls   map[string]int
	errs    map[string]error
	delay   time.Duration
	active  atomic.Int32
	peak    atomic.Int32
	release chan struct{}
}

func newFakeWarmer() *fakeWarmer {
	return &fakeWarmer{calls: make(map[string]int), errs: make(map[string]error)}
}

func (f *fakeWarmer) Warm(ctx context.Context, id string) (int64, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[id]++
	err := f.errs[id]
	f.mu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err != nil {
		return 0, err
	}
	return int64(len(id)), nil
}

func (f *fakeWarmer) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func waitReport(t *testing.T, s *Service, batchID string) domain.PrefetchReport {
	t.Helper()
	var report domain.PrefetchReport
	require.Eventually(t, func() bool {
		var ok bool
		report, ok = s.Report(batchID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return report
}

func TestSubmitRejectsEmptyBatch(t *testing.T) {
	s := NewService(newFakeWarmer())
	_, err := s.Submit(nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestSubmitRecordsPerItemOutcomes(t *testing.T) {
	warmer := newFakeWarmer()
	warmer.errs["missing"] = fmt.Errorf("fetch: %w", library.ErrNotFound)
	warmer.errs["broken"] = errors.New("disk on fire")
	s := NewService(warmer)

	accepted, err := s.Submit([]string{"a", "missing", "b", "broken", "a"})
	require.NoError(t, err)
	assert.NotEmpty(t, accepted.BatchID)
	assert.Equal(t, 4, accepted.Accepted)

	report := waitReport(t, s, accepted.BatchID)
	require.Len(t, report.Items, 4)

	byID := make(map[string]domain.PrefetchItemResult)
	for _, item := range report.Items {
		byID[item.TrackID] = item
	}
	assert.Equal(t, domain.PrefetchWarmed, byID["a"].Status)
	assert.Equal(t, int64(1), byID["a"].Bytes)
	assert.Equal(t, domain.PrefetchWarmed, byID["b"].Status)
	assert.Equal(t, domain.PrefetchNotFound, byID["missing"].Status)
	assert.Equal(t, domain.PrefetchFailed, byID["broken"].Status)
	assert.Contains(t, byID["broken"].Error, "disk on fire")
	assert.Equal(t, 2, report.Failed())
	assert.Equal(t, 1, warmer.callCount("a"))
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestWorkersBoundConcurrency(t *testing.T) {
	warmer := newFakeWarmer()
	warmer.delay = 10 * time.Millisecond
	s := NewService(warmer, WithWorkers(3))

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("track-%02d", i)
	}
	accepted, err := s.Submit(ids)
	require.NoError(t, err)

	report := waitReport(t, s, accepted.BatchID)
	assert.Equal(t, 0, report.Failed())
	assert.LessOrEqual(t, warmer.peak.Load(), int32(3))
	assert.Positive(t, warmer.peak.Load())
}

func TestItemTimeoutMarksFailure(t *testing.T) {
	warmer := newFakeWarmer()
	warmer.release = make(chan struct{})
	s := NewService(warmer, WithItemTimeout(20*time.Millisecond))

	accepted, err := s.Submit([]string{"slow"})
	require.NoError(t, err)

	report := waitReport(t, s, accepted.BatchID)
	require.Len(t, report.Items, 1)
	assert.Equal(t, domain.PrefetchFailed, report.Items[0].Status)
}

func TestHistoryIsBounded(t *testing.T) {
	s := NewService(newFakeWarmer(), WithHistory(2))

	var last string
	for i := 0; i < 4; i++ {
		accepted, err := s.Submit([]string{fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
		waitReport(t, s, accepted.BatchID)
		last = accepted.BatchID
	}

	recent := s.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, last, recent[0].BatchID)
}

func TestCloseWaitsAndRejectsNewBatches(t *testing.T) {
	warmer := newFakeWarmer()
	warmer.delay = 20 * time.Millisecond
	s := NewService(warmer)

	accepted, err := s.Submit([]string{"a", "b"})
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	report, ok := s.Report(accepted.BatchID)
	require.True(t, ok)
	assert.Equal(t, 0, report.Failed())

	_, err = s.Submit([]string{"c"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseDeadlineSkipsPendingItems(t *testing.T) {
	warmer := newFakeWarmer()
	warmer.release = make(chan struct{})
	s := NewService(warmer, WithWorkers(1))

	accepted, err := s.Submit([]string{"a", "b", "c"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Close(ctx), context.DeadlineExceeded)

	report, ok := s.Report(accepted.BatchID)
	require.True(t, ok)
	for _, item := range report.Items {
		assert.Equal(t, domain.PrefetchSkipped, item.Status, item.TrackID)
	}
}
