package status

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagtime/internal/reconcile"
	"tagtime/internal/session"
)

func TestClient(t *testing.T) {
	fs := &fakeSession{}
	ts := newTestServer(t, fs)
	c := NewClient(ts.URL, nil)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", st.User)
	require.Len(t, st.Graphs, 1)

	next, err := c.NextPings(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Hour), next[1].UTC())

	_, err = c.Pending(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	err = c.Answer(ctx, "job")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, session.ErrNoPendingPing.Error(), apiErr.Message)

	fs.mu.Lock()
	fs.pending = &session.PendingPing{ID: "abc", Time: t0}
	fs.mu.Unlock()
	p, err := c.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", p.ID)
	require.NoError(t, c.Answer(ctx, "job code"))

	resp, err := c.Submit(ctx, false)
	require.NoError(t, err)
	assert.True(t, resp.Queued)

	fs.setSubmit([]reconcile.Report{{ID: "p1", Graph: "work", Err: errors.New("boom")}}, errors.New("boom"))
	resp, err = c.Submit(ctx, true)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	require.Len(t, resp.Passes, 1)
	assert.Equal(t, reconcile.UserMessage("work"), resp.Passes[0].Error)

	passes, err := c.Passes(ctx, "work", 5)
	require.NoError(t, err)
	assert.Equal(t, "p1", passes[0].ID)

	tags, err := c.Tags(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, tags, 2)
}

func TestClientUnreachable(t *testing.T) {
	c := NewClient("127.0.0.1:1", nil)
	_, err := c.Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contact tagtimed")
}
