// Package scraper fetches article pages and extracts their content.
package scraper

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/newswire/scrapequeue/internal/scrape"
)

// Config controls fetch behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// ArticleScraper implements scrape.Scraper with a Colly collector for the
// HTTP fetch and goquery-based extraction of the article body.
type ArticleScraper struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds an ArticleScraper.
func New(cfg Config) *ArticleScraper {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &ArticleScraper{cfg: cfg, baseCollector: c}
}

// Scrape fetches the URL and extracts title and content. Every failure is
// a ScrapeFailure for the caller's retry budget.
func (s *ArticleScraper) Scrape(ctx context.Context, url string) (scrape.ScrapeResult, error) {
	body, statusCode, err := s.fetch(ctx, url)
	if err != nil {
		return scrape.ScrapeResult{}, err
	}
	switch {
	case statusCode == http.StatusNotFound:
		return scrape.ScrapeResult{}, fmt.Errorf("404 Not Found")
	case statusCode == http.StatusForbidden:
		return scrape.ScrapeResult{}, fmt.Errorf("403 Forbidden - Access denied")
	case statusCode >= 400:
		return scrape.ScrapeResult{}, fmt.Errorf("HTTP Error %d", statusCode)
	}

	title, content, err := Extract(body)
	if err != nil {
		return scrape.ScrapeResult{}, err
	}
	return scrape.ScrapeResult{Title: title, Content: content}, nil
}

func (s *ArticleScraper) fetch(ctx context.Context, url string) ([]byte, int, error) {
	collector := s.baseCollector.Clone()
	collector.UserAgent = s.cfg.UserAgent
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(s.cfg.Timeout)

	var (
		body       []byte
		statusCode int
		fetchErr   error
	)
	collector.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			statusCode = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return nil, 0, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		// HTTP error statuses surface via OnError; keep the status code so
		// the caller can shape the message.
		if statusCode >= 400 {
			return nil, statusCode, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("Network error: %v", err)
		}
		if fetchErr != nil {
			return nil, 0, fmt.Errorf("Network error: %v", fetchErr)
		}
		return body, statusCode, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
