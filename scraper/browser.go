package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Browser renders the page in headless Chrome before extracting the image, for layouts
// that inject the schedule with JavaScript. Each fetch launches and tears down its own
// browser so a hung renderer never outlives the cycle.
type Browser struct {
	logger     *slog.Logger
	chromePath string
	timeout    time.Duration
	settle     time.Duration
}

// NewBrowser creates a browser fetcher. chromePath may be empty to let rod locate or download Chrome.
func NewBrowser(chromePath string, timeout time.Duration, logger *slog.Logger) *Browser {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Browser{
		logger:     logger,
		chromePath: chromePath,
		timeout:    timeout,
		settle:     2 * time.Second,
	}
}

// Fetch returns the absolute schedule image URL from the rendered page.
func (b *Browser) Fetch(ctx context.Context, targetURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	startTime := time.Now()
	b.logger.Info("Browser session starting", "url", targetURL)

	l := launcher.New().
		Headless(true).
		Set("no-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-first-run").
		Context(ctx)
	if b.chromePath != "" {
		l = l.Bin(b.chromePath)
	}
	defer l.Cleanup()

	controlURL, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return "", fmt.Errorf("connect browser: %w", err)
	}
	defer func() {
		if closeErr := browser.Close(); closeErr != nil {
			b.logger.Warn("Failed to close browser", "error", closeErr)
		}
	}()

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return "", fmt.Errorf("create page: %w", err)
	}

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		AcceptLanguage: "uk-UA,uk;q=0.9,en;q=0.7",
	}); err != nil {
		b.logger.Warn("Failed to set user agent", "error", err)
	}

	if err := page.Navigate(targetURL); err != nil {
		return "", fmt.Errorf("navigate to %s: %w", targetURL, err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("page load %s: %w", targetURL, err)
	}

	// Schedule markup is injected after load; give the scripts a moment to settle.
	if err := page.WaitIdle(b.settle); err != nil {
		b.logger.Debug("Page did not go idle, extracting anyway", "error", err)
	}

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("read rendered html: %w", err)
	}

	imageURL, err := ExtractImageURL(strings.NewReader(html), targetURL)
	if err != nil {
		return "", err
	}

	b.logger.Info("Browser session completed",
		"url", targetURL,
		"image_url", imageURL,
		"html_length", len(html),
		"duration_ms", time.Since(startTime).Milliseconds())
	return imageURL, nil
}
