// Package translator provides an HTTP client for the text translation
// provider. From the orchestrator's point of view translation is a pure
// function of (text, source, target); all transport concerns live here.
package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Static errors for translator operations.
var (
	// ErrAPIKeyRequired is returned when no API key is configured.
	ErrAPIKeyRequired = errors.New("translator: API key is required")
	// ErrEmptyText is returned when there is nothing to translate.
	ErrEmptyText = errors.New("translator: text is empty")
)

// UnavailableError reports that the provider was unreachable or returned a
// malformed payload. It is retryable: a later scheduler pass may succeed.
type UnavailableError struct {
	Detail string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("translation unavailable: %s", e.Detail)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Retryable marks provider outages as retryable.
func (e *UnavailableError) Retryable() bool { return true }

// Client translates text between the configured language pair.
type Client struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithBaseURL sets a custom base URL for the translation API.
func WithBaseURL(u string) Option {
	return func(cl *Client) { cl.baseURL = u }
}

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) Option {
	return func(cl *Client) { cl.maxRetries = n }
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) Option {
	return func(cl *Client) { cl.baseBackoff = d }
}

// NewClient creates a translation client. The API key is required; the
// provider speaks the Translate v2 wire format.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyRequired
	}
	c := &Client{
		apiKey:      apiKey,
		baseURL:     "https://translation.googleapis.com/language/translate/v2",
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxRetries:  3,
		baseBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// translateResponse mirrors the provider's v2 response envelope.
type translateResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText string `json:"translatedText"`
		} `json:"translations"`
	} `json:"data"`
}

// Translate converts text from sourceLang to targetLang.
func (c *Client) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if text == "" {
		return "", ErrEmptyText
	}

	form := url.Values{
		"q":      {text},
		"source": {sourceLang},
		"target": {targetLang},
		"format": {"text"},
	}

	var lastErr error
	backoff := c.baseBackoff
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("translator: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		translated, err := c.doTranslate(ctx, form)
		if err == nil {
			return translated, nil
		}
		var unavailable *UnavailableError
		if !errors.As(err, &unavailable) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("translator: max retries exceeded: %w", lastErr)
}

func (c *Client) doTranslate(ctx context.Context, form url.Values) (string, error) {
	endpoint := c.baseURL + "?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("translator: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &UnavailableError{Detail: "provider unreachable", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &UnavailableError{Detail: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(body, 200))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", &UnavailableError{Detail: detail}
		}
		return "", fmt.Errorf("translator: request failed with %s", detail)
	}

	var parsed translateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &UnavailableError{Detail: "malformed response", Err: err}
	}
	if len(parsed.Data.Translations) == 0 {
		return "", &UnavailableError{Detail: "response contained no translations"}
	}
	return parsed.Data.Translations[0].TranslatedText, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
