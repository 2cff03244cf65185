package chromefetch

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNegativeParallel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1})
	require.Error(t, err)
}

func TestAcquireBlocksAtLimit(t *testing.T) {
	t.Parallel()

	s := &Stage{limiter: make(chan struct{}, 1)}
	require.NoError(t, s.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.acquire(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	s.release()
	require.NoError(t, s.acquire(context.Background()))
}

func TestResponseMetaCapturesDocument(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeImage,
		Response: &network.Response{
			Status: 500,
			URL:    "https://example.com/banner.png",
		},
	})
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  200,
			URL:     "https://example.com/page",
			Headers: network.Headers{"Content-Type": "text/html"},
		},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://example.com/req", "")
	require.Equal(t, 200, status)
	require.Equal(t, "https://example.com/page", url)
	require.Equal(t, "text/html", headers.Get("Content-Type"))
}

func TestResponseMetaFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()

	status, _, url := meta.snapshotWithFallbacks("https://example.com/req", "https://example.com/final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://example.com/final", url)

	status, _, url = meta.snapshotWithFallbacks("https://example.com/req", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://example.com/req", url)
}
