package pipeline

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlforge/crawlforge/internal/crawl"
	"github.com/crawlforge/crawlforge/internal/session"
)

func testContext(t *testing.T) *Context {
	t.Helper()
	req, err := crawl.NewRequest("https://example.com/")
	require.NoError(t, err)
	return NewContext(req, nil, Hooks{})
}

// TestRunOrderAndMonotonicEnrichment chains three stages adding distinct
// values and verifies order plus accumulation: the context after stage N
// holds everything stages 1..N attached.
func TestRunOrderAndMonotonicEnrichment(t *testing.T) {
	t.Parallel()

	var order []string
	mk := func(key string) Stage {
		return StageFunc(key, func(_ context.Context, pc *Context) error {
			order = append(order, key)
			// Each stage sees its predecessors' values already present.
			for _, prev := range order[:len(order)-1] {
				require.True(t, pc.Has(prev))
			}
			pc.Set(key, key)
			return nil
		})
	}

	pc := testContext(t)
	p := New(nil, mk("a"), mk("b"), mk("c"))
	require.NoError(t, p.Run(context.Background(), pc))

	require.Equal(t, []string{"a", "b", "c"}, order)
	require.True(t, pc.Has("a"))
	require.True(t, pc.Has("b"))
	require.True(t, pc.Has("c"))
}

// TestRunSkipShortCircuits verifies a Skip stops the chain without running
// later stages and is classified as a skip, not a failure.
func TestRunSkipShortCircuits(t *testing.T) {
	t.Parallel()

	ran := false
	p := New(nil,
		StageFunc("robots", func(context.Context, *Context) error {
			return Skip("blocked by robots policy")
		}),
		StageFunc("fetch", func(context.Context, *Context) error {
			ran = true
			return nil
		}),
	)

	err := p.Run(context.Background(), testContext(t))
	require.True(t, IsSkip(err))
	require.False(t, ran)
}

// TestRunStageFailureWrapsName verifies stage failures carry the stage name
// and are not skips.
func TestRunStageFailureWrapsName(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	p := New(nil, StageFunc("fetch", func(context.Context, *Context) error {
		return boom
	}))

	err := p.Run(context.Background(), testContext(t))
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "fetch")
	require.False(t, IsSkip(err))
}

// TestRunHonorsCancellation verifies an already-canceled context stops the
// chain before the next stage.
func TestRunHonorsCancellation(t *testing.T) {
	t.Parallel()

	ran := false
	p := New(nil, StageFunc("fetch", func(context.Context, *Context) error {
		ran = true
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Run(ctx, testContext(t))
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, ran)
}

// TestSessionStageAttaches verifies the session stage populates the context.
func TestSessionStageAttaches(t *testing.T) {
	t.Parallel()

	pool := session.NewPool(session.Config{})
	pc := testContext(t)
	p := New(nil, SessionStage(pool))
	require.NoError(t, p.Run(context.Background(), pc))
	require.NotNil(t, pc.Session)
	require.Equal(t, 1, pc.Session.UseCount())
}

// TestParseStageBuildsDocument verifies HTML bodies become documents and
// non-HTML bodies are left alone.
func TestParseStageBuildsDocument(t *testing.T) {
	t.Parallel()

	pc := testContext(t)
	pc.Response = &Response{
		Headers: http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:    []byte(`<html><body><h1 id="title">hello</h1></body></html>`),
	}
	require.NoError(t, New(nil, ParseStage()).Run(context.Background(), pc))
	require.NotNil(t, pc.Document)
	require.Equal(t, "hello", pc.Document.Find("#title").Text())

	binary := testContext(t)
	binary.Response = &Response{
		Headers: http.Header{"Content-Type": []string{"application/pdf"}},
		Body:    []byte{0x25, 0x50, 0x44, 0x46},
	}
	require.NoError(t, New(nil, ParseStage()).Run(context.Background(), binary))
	require.Nil(t, binary.Document)
}

// TestContextHooks verifies capability calls route through the hooks and
// missing hooks fail loudly.
func TestContextHooks(t *testing.T) {
	t.Parallel()

	var pushed []map[string]any
	req, err := crawl.NewRequest("https://example.com/")
	require.NoError(t, err)
	pc := NewContext(req, nil, Hooks{
		PushData: func(_ context.Context, record map[string]any) error {
			pushed = append(pushed, record)
			return nil
		},
	})

	require.NoError(t, pc.PushData(context.Background(), map[string]any{"k": "v"}))
	require.Len(t, pushed, 1)

	_, err = pc.AddRequests(context.Background())
	require.Error(t, err)
	require.Error(t, pc.SetValue(context.Background(), "key", "text/plain", nil))
}
