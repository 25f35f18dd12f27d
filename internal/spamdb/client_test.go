package spamdb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saqshy/saqshy/internal/breaker"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, brk *breaker.Breaker) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := New(Config{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		HTTPClient: srv.Client(),
	}, brk)
	return client, srv
}

func TestCheck(t *testing.T) {
	var gotAuth string
	var gotReq checkRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/check", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(checkResponse{Similarity: 0.93, MatchedPattern: "crypto_guaranteed_returns"})
	}, nil)

	similarity, pattern, err := client.Check(context.Background(), "guaranteed 300% returns, join now")
	require.NoError(t, err)
	assert.Equal(t, 0.93, similarity)
	assert.Equal(t, "crypto_guaranteed_returns", pattern)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "guaranteed 300% returns, join now", gotReq.Text)
}

func TestCheckEmptyTextSkipsCall(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	}, nil)

	similarity, pattern, err := client.Check(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, similarity)
	assert.Empty(t, pattern)
	assert.Zero(t, calls)
}

func TestCheckClampsSimilarity(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(checkResponse{Similarity: 1.4})
	}, nil)

	similarity, _, err := client.Check(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, 1.0, similarity)
}

func TestCheckServerErrorSurfaces(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index rebuilding", http.StatusConflict)
	}, nil)

	_, _, err := client.Check(context.Background(), "text")
	assert.ErrorContains(t, err, "409")
}

func TestCheckTicksBreaker(t *testing.T) {
	brk := breaker.New(breaker.Config{Name: "spam_db", FailureThreshold: 2})
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusConflict)
	}, brk)

	ctx := context.Background()
	_, _, err := client.Check(ctx, "text")
	require.Error(t, err)
	_, _, err = client.Check(ctx, "text")
	require.Error(t, err)
	assert.Equal(t, breaker.StateOpen, brk.State())

	// Short-circuit without touching the server.
	srv.Close()
	_, _, err = client.Check(ctx, "text")
	assert.ErrorIs(t, err, breaker.ErrOpen)
}

func TestReport(t *testing.T) {
	var gotBody map[string]string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/report", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}, nil)

	err := client.Report(context.Background(), "free money here", "spam")
	require.NoError(t, err)
	assert.Equal(t, "free money here", gotBody["text"])
	assert.Equal(t, "spam", gotBody["threat_type"])
}
