// Package scraper fetches the outage schedule page and extracts the schedule image reference.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// Fetcher resolves the current schedule image URL published at targetURL.
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string) (string, error)
}

// primarySelectors match the media host the schedule image is normally served from.
var primarySelectors = []struct {
	selector string
	attr     string
}{
	{"img[src*='api.loe.lviv.ua/media']", "src"},
	{"a[href*='api.loe.lviv.ua/media']", "href"},
}

// fallbackSelectors cover older page layouts.
var fallbackSelectors = []string{
	".power-off__current img",
	".power-off_current img",
	".power-off img",
}

// HTTPStatusError indicates the page answered with an unexpected status.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsClientError checks if an error is a 4xx response, which is not worth retrying.
func IsClientError(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500
}

// ImageNotFoundError indicates the page loaded but carried no schedule image.
type ImageNotFoundError struct {
	Title string
}

func (e *ImageNotFoundError) Error() string {
	return fmt.Sprintf("schedule image not found on page (title=%q)", e.Title)
}

// HTTP fetches the page with a plain HTTP client and parses it with goquery.
type HTTP struct {
	client   *http.Client
	logger   *slog.Logger
	attempts uint
}

// New creates an HTTP fetcher. attempts bounds retries of transport and 5xx failures.
func New(client *http.Client, logger *slog.Logger, attempts uint) *HTTP {
	if attempts == 0 {
		attempts = 1
	}
	return &HTTP{
		client:   client,
		logger:   logger,
		attempts: attempts,
	}
}

// Fetch returns the absolute schedule image URL.
func (s *HTTP) Fetch(ctx context.Context, targetURL string) (string, error) {
	var imageURL string

	err := retry.Do(
		func() error {
			s.logger.Info("HTTP request starting",
				"method", "GET",
				"url", targetURL,
				"purpose", "fetch_schedule_page")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "uk-UA,uk;q=0.9,en;q=0.7")
			req.Header.Set("Cache-Control", "no-cache")
			req.Header.Set("Pragma", "no-cache")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed",
					"url", targetURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Info("HTTP request completed",
				"url", targetURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"content_length", resp.ContentLength)

			if resp.StatusCode < 200 || resp.StatusCode >= 400 {
				return &HTTPStatusError{URL: targetURL, StatusCode: resp.StatusCode}
			}

			imageURL, err = ExtractImageURL(resp.Body, targetURL)
			if err != nil {
				// Layout problems do not fix themselves within a cycle.
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(s.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsClientError(err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", targetURL, err)
	}

	s.logger.Info("Schedule image resolved", "url", targetURL, "image_url", imageURL)
	return imageURL, nil
}

// ExtractImageURL finds the schedule image in an HTML document and resolves it against pageURL.
func ExtractImageURL(body io.Reader, pageURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var src string
	for _, p := range primarySelectors {
		if v, ok := doc.Find(p.selector).First().Attr(p.attr); ok && strings.TrimSpace(v) != "" {
			src = strings.TrimSpace(v)
			break
		}
	}
	if src == "" {
		for _, sel := range fallbackSelectors {
			if v, ok := doc.Find(sel).First().Attr("src"); ok && strings.TrimSpace(v) != "" {
				src = strings.TrimSpace(v)
				break
			}
		}
	}

	if src == "" {
		title := strings.TrimSpace(doc.Find("title").First().Text())
		return "", &ImageNotFoundError{Title: title}
	}

	return resolve(src, pageURL)
}

func resolve(src, pageURL string) (string, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return src, nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	ref, err := url.Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse image url %q: %w", src, err)
	}
	return base.ResolveReference(ref).String(), nil
}
