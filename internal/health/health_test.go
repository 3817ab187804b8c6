package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("data_dir", func(ctx context.Context) Status { return StatusOK })
	c.Register("openclaw_host", func(ctx context.Context) Status { return StatusOK })

	assert.True(t, c.Ready(context.Background()))
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("data_dir", func(ctx context.Context) Status { return StatusOK })
	c.Register("openclaw_host", func(ctx context.Context) Status { return StatusDown })

	assert.False(t, c.Ready(context.Background()))
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("openclaw_host", func(ctx context.Context) Status { return StatusDegraded })

	assert.True(t, c.Ready(context.Background()))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.Ready(context.Background()))
}

func TestChecker_RunAllReportsEveryCheck(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("a", func(ctx context.Context) Status { return StatusOK })
	c.Register("b", func(ctx context.Context) Status { return StatusDown })

	results := c.RunAll(context.Background())
	assert.Len(t, results, 2)
	assert.Equal(t, StatusOK, results["a"])
	assert.Equal(t, StatusDown, results["b"])
}

func TestHTTPReachable_Up(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	check := HTTPReachable(func() string { return upstream.URL })
	assert.Equal(t, StatusOK, check(context.Background()))
}

func TestHTTPReachable_RejectingEndpointStillReachable(t *testing.T) {
	// A webhook endpoint rejecting a bare HEAD is still a live host.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer upstream.Close()

	check := HTTPReachable(func() string { return upstream.URL })
	assert.Equal(t, StatusOK, check(context.Background()))
}

func TestHTTPReachable_ServerErrorDegraded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	check := HTTPReachable(func() string { return upstream.URL })
	assert.Equal(t, StatusDegraded, check(context.Background()))
}

func TestHTTPReachable_Unreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // nothing listening anymore

	check := HTTPReachable(func() string { return upstream.URL })
	assert.Equal(t, StatusDown, check(context.Background()))
}
