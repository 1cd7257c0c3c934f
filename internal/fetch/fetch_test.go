package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipsight/clipsight/internal/model"
	"github.com/clipsight/clipsight/internal/resilience"
)

func newFetcher(t *testing.T) *HTTPFetcher {
	t.Helper()
	f, err := NewHTTPFetcher(Options{
		ArtifactDir:       t.TempDir(),
		RequestsPerSecond: 1000,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return f
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fake video bytes"))
	}))
	defer srv.Close()

	f := newFetcher(t)
	item := model.CandidateItem{ID: "item-1", MediaURL: srv.URL + "/video.mp4"}

	got, err := f.Fetch(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, "item-1", got.ItemID)
	assert.Equal(t, int64(len("fake video bytes")), got.SizeBytes)
	assert.False(t, got.DownloadedAt.IsZero())

	data, err := os.ReadFile(got.ArtifactRef)
	require.NoError(t, err)
	assert.Equal(t, "fake video bytes", string(data))
}

func TestHTTPFetcher_Fetch_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newFetcher(t)
	got, err := f.Fetch(context.Background(), model.CandidateItem{ID: "item-2", MediaURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(2), got.SizeBytes)
}

func TestHTTPFetcher_Fetch_PermanentFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFetcher(t)
	_, err := f.Fetch(context.Background(), model.CandidateItem{ID: "item-3", MediaURL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
	// 404 is not transient, so no retries.
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPFetcher_Fetch_NoMediaURL(t *testing.T) {
	f := newFetcher(t)
	_, err := f.Fetch(context.Background(), model.CandidateItem{ID: "item-4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no media url")
}

func TestHTTPFetcher_Fetch_FallsBackToItemURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("page"))
	}))
	defer srv.Close()

	f := newFetcher(t)
	got, err := f.Fetch(context.Background(), model.CandidateItem{ID: "item-5", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "item-5", got.ItemID)
}
