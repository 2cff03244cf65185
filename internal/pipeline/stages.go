package pipeline

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/crawlforge/crawlforge/internal/session"
)

// SessionStage attaches a session from the pool to the context. It sits
// ahead of the fetch stage so fetchers can bind cookies or proxies to it.
func SessionStage(pool *session.Pool) Stage {
	return StageFunc("session", func(_ context.Context, pc *Context) error {
		pc.Session = pool.Get()
		return nil
	})
}

// ParseStage parses an HTML response body into a goquery document so
// handlers get typed selector access. Non-HTML responses pass through
// untouched.
func ParseStage() Stage {
	return StageFunc("parse", func(_ context.Context, pc *Context) error {
		if pc.Response == nil || len(pc.Response.Body) == 0 {
			return nil
		}
		contentType := pc.Response.Headers.Get("Content-Type")
		if contentType != "" && !strings.Contains(contentType, "html") {
			return nil
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(pc.Response.Body))
		if err != nil {
			// A malformed body is a property of the page, not a transient
			// fault; the handler still gets the raw response.
			pc.Log.Debug("html parse failed", zap.Error(err))
			return nil
		}
		pc.Document = doc
		return nil
	})
}
