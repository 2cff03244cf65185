// Package collyfetch supplies the HTTP crawler flavor: a pipeline stage
// that fetches the request's URL with a Colly collector and attaches the
// response to the processing context.
package collyfetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/crawlforge/crawlforge/internal/crawl"
	"github.com/crawlforge/crawlforge/internal/pipeline"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
	MaxBodyBytes  int
}

// Stage implements pipeline.Stage over a Colly collector.
type Stage struct {
	cfg  Config
	base *colly.Collector
}

// New builds the fetch stage. The base collector carries the shared
// transport; each request runs on a clone.
func New(cfg Config) *Stage {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	return &Stage{cfg: cfg, base: c}
}

// Name implements pipeline.Stage.
func (s *Stage) Name() string { return "colly_fetch" }

// Run fetches the request's URL and attaches the response. Robots rejections
// skip the request terminally; HTTP errors are classified for the retry
// policy (429/5xx transient, other 4xx terminal).
func (s *Stage) Run(ctx context.Context, pc *pipeline.Context) error {
	var (
		result   *pipeline.Response
		fetchErr error
	)
	start := time.Now()

	collector := s.base.Clone()
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !s.cfg.RespectRobots
	collector.SetRequestTimeout(s.cfg.Timeout)

	collector.OnResponse(func(r *colly.Response) {
		result = &pipeline.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil && r.StatusCode > 0 {
			fetchErr = classifyStatus(r.StatusCode, err)
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pc.Request.URL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			return pipeline.Skip("blocked by robots policy")
		}
		if fetchErr != nil {
			// OnError saw the response and classified the status.
			return fetchErr
		}
		if err != nil {
			return fmt.Errorf("visit %s: %w", pc.Request.URL, err)
		}
	}
	if result == nil {
		return fmt.Errorf("no response received for %s", pc.Request.URL)
	}

	pc.Response = result
	return nil
}

// classifyStatus maps HTTP status codes onto the engine's error taxonomy.
func classifyStatus(status int, cause error) error {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusForbidden:
		// The site is pushing back on this identity; retry on a fresh one.
		return fmt.Errorf("status %d: %w", status, crawl.ErrSessionRotate)
	case status >= 500 || status == http.StatusRequestTimeout:
		return fmt.Errorf("transient status %d: %w", status, cause)
	case status >= 400:
		return crawl.Terminal(fmt.Errorf("status %d: %w", status, cause))
	default:
		return cause
	}
}

// DiscoverLinks extracts same-host links from the parsed document, ready
// for Context.AddRequests. Relative hrefs resolve against the response URL.
func DiscoverLinks(pc *pipeline.Context) ([]*crawl.Request, error) {
	if pc.Document == nil || pc.Response == nil {
		return nil, nil
	}
	base, err := url.Parse(pc.Response.URL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	var reqs []*crawl.Request
	seen := make(map[string]struct{})
	pc.Document.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		if abs.Host != base.Host {
			return
		}
		req, err := crawl.NewRequest(abs.String())
		if err != nil {
			return
		}
		if _, dup := seen[req.Fingerprint]; dup {
			return
		}
		seen[req.Fingerprint] = struct{}{}
		reqs = append(reqs, req)
	})
	return reqs, nil
}
