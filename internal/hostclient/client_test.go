package hostclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/jokim1/clawtalk-gateway/internal/errors"
)

func TestInvoke_Success(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/invoke", r.URL.Path)
		assert.Equal(t, "job:clawtalk:talk:t1:job:j1", r.Header.Get("x-openclaw-session-key"))
		w.Write([]byte(`{"output":"done","toolsUsed":["web_search"]}`))
	}))
	defer upstream.Close()

	c := New(upstream.URL, zerolog.Nop())
	resp, err := c.Invoke(context.Background(), InvokeRequest{
		Prompt:  "hello",
		Headers: map[string]string{"x-openclaw-session-key": "job:clawtalk:talk:t1:job:j1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Output)
	assert.Equal(t, []string{"web_search"}, resp.ToolsUsed)
}

func TestInvoke_Non200IsAPIError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	c := New(upstream.URL, zerolog.Nop())
	_, err := c.Invoke(context.Background(), InvokeRequest{Prompt: "hello"})
	require.Error(t, err)

	var apiErr *gwerrors.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.True(t, gwerrors.IsRetryable(err))
}

func TestInvoke_TimeoutSurfacesTypedError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer upstream.Close()

	c := New(upstream.URL, zerolog.Nop())
	_, err := c.Invoke(context.Background(), InvokeRequest{Prompt: "hello", Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, gwerrors.ErrTimeout))
}
