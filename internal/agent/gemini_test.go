package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overdrive/internal/types"
)

// generateResponse is the REST shape of a generateContent reply.
func generateResponse(text string, totalTokens int) string {
	body, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"parts": []map[string]any{{"text": text}},
					"role":  "model",
				},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]any{
			"promptTokenCount":     10,
			"candidatesTokenCount": 32,
			"totalTokenCount":      totalTokens,
		},
	})
	return string(body)
}

// newGeminiServer fakes the API endpoint: every POST gets the canned
// reply, and the last request body is retained for assertions.
func newGeminiServer(t *testing.T, reply string, status int) (*httptest.Server, *atomic.Int64, *atomic.Pointer[string]) {
	t.Helper()
	var requests atomic.Int64
	var lastBody atomic.Pointer[string]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		raw, _ := io.ReadAll(r.Body)
		body := string(raw)
		lastBody.Store(&body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests, &lastBody
}

func newTestGemini(t *testing.T, baseURL string) *Gemini {
	t.Helper()
	g, err := NewGemini(context.Background(), GeminiConfig{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestNewGeminiRequiresAPIKey(t *testing.T) {
	_, err := NewGemini(context.Background(), GeminiConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestGeminiInvokeReturnsOutputAndMetadata(t *testing.T) {
	srv, _, lastBody := newGeminiServer(t, generateResponse("run `npm ci` to fix it", 42), http.StatusOK)
	g := newTestGemini(t, srv.URL)

	res, err := g.Invoke(context.Background(), types.AgentRequest{
		Agent:   types.AgentGeneral,
		Task:    "the install step fails",
		Context: map[string]string{"session_id": "sess-1"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "run `npm ci` to fix it", res.Output)
	assert.Equal(t, "gemini", res.Metadata["provider"])
	assert.Equal(t, DefaultModel, res.Metadata["model"])
	assert.Equal(t, "42", res.Metadata["tokens"])
	assert.Greater(t, res.Duration, time.Duration(0))

	body := *lastBody.Load()
	// Persona goes out as the system instruction, task and context as the
	// user turn.
	assert.Contains(t, body, "You are an engineer solving one concrete problem")
	assert.Contains(t, body, "the install step fails")
	assert.Contains(t, body, "session_id: sess-1")
}

func TestGeminiInvokeHonorsModelOverride(t *testing.T) {
	srv, _, _ := newGeminiServer(t, generateResponse("ok", 5), http.StatusOK)
	g := newTestGemini(t, srv.URL)

	res, err := g.Invoke(context.Background(), types.AgentRequest{
		Agent:   types.AgentGeneral,
		Task:    "ping",
		Options: types.AgentOptions{Model: "gemini-2.5-pro"},
	})
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", res.Metadata["model"])
}

func TestGeminiInvokeFlagsMalformedOutput(t *testing.T) {
	srv, _, _ := newGeminiServer(t, generateResponse("start with a failing test", 7), http.StatusOK)
	g := newTestGemini(t, srv.URL)

	res, err := g.Invoke(context.Background(), types.AgentRequest{
		Agent: types.AgentTDDGuide,
		Task:  "red phase for add()",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no fenced code block")
	// Raw output is kept so the caller can fold it into a retry prompt.
	assert.Equal(t, "start with a failing test", res.Output)
}

func TestGeminiInvokeRejectsUnknownAgentWithoutCalling(t *testing.T) {
	srv, requests, _ := newGeminiServer(t, generateResponse("ok", 1), http.StatusOK)
	g := newTestGemini(t, srv.URL)

	_, err := g.Invoke(context.Background(), types.AgentRequest{Agent: "poet", Task: "haiku"})
	assert.ErrorIs(t, err, ErrUnknownAgent)
	assert.Equal(t, int64(0), requests.Load())
}

func TestGeminiInvokeSurfacesAPIErrors(t *testing.T) {
	srv, _, _ := newGeminiServer(t,
		`{"error": {"code": 500, "message": "backend exploded", "status": "INTERNAL"}}`,
		http.StatusInternalServerError)
	g := newTestGemini(t, srv.URL)

	res, err := g.Invoke(context.Background(), types.AgentRequest{
		Agent: types.AgentGeneral,
		Task:  "ping",
	})
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestGeminiInvokeTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done() // hold until the client gives up
	}))
	t.Cleanup(srv.Close)
	g := newTestGemini(t, srv.URL)

	_, err := g.Invoke(context.Background(), types.AgentRequest{
		Agent:   types.AgentGeneral,
		Task:    "ping",
		Options: types.AgentOptions{Timeout: 100 * time.Millisecond},
	})
	require.Error(t, err)
}

func TestCollectTextSkipsEmptyCandidates(t *testing.T) {
	assert.Equal(t, "", collectText(nil))
}
