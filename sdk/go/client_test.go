package signoffsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideSendsCredentialsAndBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/workflow-instances/inst-1/decide", r.URL.Path)
		assert.Equal(t, "sk_test", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"inst-1","status":"approved","current_step":2,"version":3,"steps_completed":[{"step_number":2,"actor_id":"mgr1","action":"approve"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.APIKey = "sk_test"
	inst, err := c.Decide(context.Background(), "inst-1", "approve", "fine", 2)
	require.NoError(t, err)
	assert.Equal(t, "approved", inst.Status)
	require.Len(t, inst.Decisions, 1)
	assert.Equal(t, "mgr1", inst.Decisions[0].ActorID)
	assert.Equal(t, "approve", got["action"])
	assert.EqualValues(t, 2, got["expected_version"])
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"comments_required","message":"comments are required to reject"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	c.APIKey = "ignored"
	_, err := c.Decide(context.Background(), "inst-1", "reject", "", 0)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "comments_required", apiErr.Code)
}

func TestEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/events", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "42", r.URL.Query().Get("cursor"))
		_, _ = w.Write([]byte(`{"items":[{"id":41,"type":"instance.started"}],"next_cursor":41}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), 10, 42)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(41), page.NextCursor)
}
