package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) CheckResult { return CheckResult{Status: StatusHealthy} }

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("db", true, healthy)
	c.RegisterFunc("remote", false, func(context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	})

	assert.Equal(t, StatusUnknown, c.OverallStatus(), "critical check not run yet")

	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	c.RegisterFunc("db", true, ErrorCheck("database", func(context.Context) error {
		return errors.New("closed")
	}))
	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res["db"].Status)
	assert.Equal(t, "closed", res["db"].Error)
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
	assert.Equal(t, []string{"db", "remote"}, c.Names())
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("broken", false, func(context.Context) CheckResult { panic("boom") })

	res := c.Check(context.Background())
	assert.Equal(t, "check timed out", res["slow"].Message)
	assert.Equal(t, "check panicked", res["broken"].Message)
	assert.Equal(t, "boom", res["broken"].Error)
}

func TestWritableFileCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alice.log")
	check := WritableFileCheck(path)

	assert.Equal(t, StatusUnhealthy, check(context.Background()).Status)
	require.NoError(t, os.WriteFile(path, nil, 0600))
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)
}

func TestBreakerCheck(t *testing.T) {
	state := "closed"
	check := BreakerCheck(func() string { return state })
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)

	state = "open"
	assert.Equal(t, StatusDegraded, check(context.Background()).Status)
}

func TestHandler(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("db", true, healthy)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready yet")

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.True(t, resp.Ready)
	assert.Contains(t, resp.Components, "db")
}
