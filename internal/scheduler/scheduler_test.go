package scheduler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/archivekit/packd/internal/pipeline"
)

// countingFetcher tracks concurrent invocations and serves canned bodies.
type countingFetcher struct {
	mu        sync.Mutex
	inFlight  int
	maxSeen   int
	delay     time.Duration
	failURLs  map[string]error
	fetchedMu sync.Mutex
	fetched   []string
}

func (f *countingFetcher) Fetch(ctx context.Context, d pipeline.AssetDescriptor) pipeline.FetchResult {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return pipeline.FetchResult{Descriptor: d, Err: ctx.Err()}
		}
	}

	f.fetchedMu.Lock()
	f.fetched = append(f.fetched, d.URL)
	f.fetchedMu.Unlock()

	if err, ok := f.failURLs[d.URL]; ok {
		return pipeline.FetchResult{Descriptor: d, Err: err}
	}
	return pipeline.FetchResult{
		Descriptor: d,
		Body:       io.NopCloser(strings.NewReader("data for " + d.URL)),
		Size:       int64(len("data for " + d.URL)),
	}
}

func descriptors(n int) []pipeline.AssetDescriptor {
	out := make([]pipeline.AssetDescriptor, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, pipeline.AssetDescriptor{
			URL:  fmt.Sprintf("http://assets/%d", i),
			Path: fmt.Sprintf("asset-%d", i),
		})
	}
	return out
}

func drain(t *testing.T, ch <-chan pipeline.FetchResult) []pipeline.FetchResult {
	t.Helper()
	var results []pipeline.FetchResult
	for res := range ch {
		if res.Body != nil {
			require.NoError(t, res.Body.Close())
		}
		results = append(results, res)
	}
	return results
}

func TestRun_DeliversAllResults(t *testing.T) {
	t.Parallel()

	f := &countingFetcher{}
	s := New(f, Config{Concurrency: 3, QueueDepth: 4}, nil)

	results := drain(t, s.Run(context.Background(), descriptors(10)))
	require.Len(t, results, 10)
	for _, res := range results {
		require.NoError(t, res.Err)
	}
}

func TestRun_RespectsConcurrencyCap(t *testing.T) {
	t.Parallel()

	f := &countingFetcher{delay: 20 * time.Millisecond}
	s := New(f, Config{Concurrency: 2, QueueDepth: 32}, nil)

	drain(t, s.Run(context.Background(), descriptors(12)))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.LessOrEqual(t, f.maxSeen, 2)
	require.Positive(t, f.maxSeen)
}

func TestRun_ContinuesPastFailures(t *testing.T) {
	t.Parallel()

	assets := descriptors(6)
	f := &countingFetcher{
		failURLs: map[string]error{
			assets[2].URL: &pipeline.FetchError{URL: assets[2].URL, StatusCode: 404, Class: pipeline.ClassPermanent},
		},
	}
	s := New(f, Config{Concurrency: 2, QueueDepth: 2}, nil)

	results := drain(t, s.Run(context.Background(), assets))
	require.Len(t, results, 6)

	failures := 0
	for _, res := range results {
		if res.Err != nil {
			failures++
		}
	}
	require.Equal(t, 1, failures)
}

func TestRun_AbortOnFirstFailureCancelsRemaining(t *testing.T) {
	t.Parallel()

	assets := descriptors(40)
	f := &countingFetcher{
		delay: 5 * time.Millisecond,
		failURLs: map[string]error{
			assets[0].URL: &pipeline.FetchError{URL: assets[0].URL, StatusCode: 404, Class: pipeline.ClassPermanent},
		},
	}
	s := New(f, Config{Concurrency: 1, QueueDepth: 64, AbortOnFailure: true}, nil)

	results := drain(t, s.Run(context.Background(), assets))
	require.NotEmpty(t, results)
	require.Less(t, len(results), 40, "abort should stop remaining fetches")
}

func TestRun_BackpressureBoundsChannel(t *testing.T) {
	t.Parallel()

	f := &countingFetcher{}
	s := New(f, Config{Concurrency: 4, QueueDepth: 2}, nil)

	ch := s.Run(context.Background(), descriptors(20))

	// A slow consumer must never see more than QueueDepth buffered plus
	// Concurrency blocked producers; total resolved stays bounded.
	time.Sleep(50 * time.Millisecond)
	f.fetchedMu.Lock()
	resolved := len(f.fetched)
	f.fetchedMu.Unlock()
	require.LessOrEqual(t, resolved, 2+4+1)

	results := drain(t, ch)
	require.Len(t, results, 20)
}

func TestRun_CancellationStopsWork(t *testing.T) {
	t.Parallel()

	f := &countingFetcher{delay: 10 * time.Millisecond}
	s := New(f, Config{Concurrency: 2, QueueDepth: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Run(ctx, descriptors(50))

	var received atomic.Int32
	for res := range ch {
		if res.Body != nil {
			_ = res.Body.Close()
		}
		if received.Add(1) == 3 {
			cancel()
		}
	}
	require.Less(t, int(received.Load()), 50)
	require.Zero(t, s.InFlight())
}
