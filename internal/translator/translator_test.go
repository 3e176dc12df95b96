package translator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient("")
	assert.ErrorIs(t, err, ErrAPIKeyRequired)
}

func TestClient_Translate(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"q":      r.PostForm.Get("q"),
			"source": r.PostForm.Get("source"),
			"target": r.PostForm.Get("target"),
			"format": r.PostForm.Get("format"),
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"translations": []map[string]string{
					{"translatedText": "hello and welcome"},
				},
			},
		})
	}))
	defer srv.Close()

	c, err := NewClient("test-key", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	out, err := c.Translate(context.Background(), "שלום וברוכים הבאים", "he", "en")
	require.NoError(t, err)
	assert.Equal(t, "hello and welcome", out)
	assert.Equal(t, map[string]string{
		"q":      "שלום וברוכים הבאים",
		"source": "he",
		"target": "en",
		"format": "text",
	}, gotForm)
}

func TestClient_Translate_EmptyText(t *testing.T) {
	c, err := NewClient("test-key")
	require.NoError(t, err)

	_, err = c.Translate(context.Background(), "", "he", "en")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestClient_Translate_RetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"translations": []map[string]string{{"translatedText": "ok"}},
			},
		})
	}))
	defer srv.Close()

	c, err := NewClient("test-key",
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithMaxRetries(3),
		WithBaseBackoff(time.Millisecond),
	)
	require.NoError(t, err)

	out, err := c.Translate(context.Background(), "text", "he", "en")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, calls)
}

func TestClient_Translate_ExhaustsRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := NewClient("test-key",
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithMaxRetries(2),
		WithBaseBackoff(time.Millisecond),
	)
	require.NoError(t, err)

	_, err = c.Translate(context.Background(), "text", "he", "en")
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.True(t, unavailable.Retryable())
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
}

func TestClient_Translate_ClientErrorNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "invalid target language"}}`))
	}))
	defer srv.Close()

	c, err := NewClient("test-key",
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithBaseBackoff(time.Millisecond),
	)
	require.NoError(t, err)

	_, err = c.Translate(context.Background(), "text", "he", "xx")
	require.Error(t, err)
	var unavailable *UnavailableError
	assert.False(t, errors.As(err, &unavailable))
	assert.Equal(t, 1, calls)
}

func TestClient_Translate_MalformedResponseRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": {"translations": []}}`))
	}))
	defer srv.Close()

	c, err := NewClient("test-key",
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithMaxRetries(1),
		WithBaseBackoff(time.Millisecond),
	)
	require.NoError(t, err)

	_, err = c.Translate(context.Background(), "text", "he", "en")
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
}
