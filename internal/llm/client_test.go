package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel replays scripted replies and records the requests it saw.
type fakeModel struct {
	mu       sync.Mutex
	replies  []fakeReply
	requests []apiRequest
	headers  []http.Header
	paths    []string
}

type fakeReply struct {
	status int
	body   string
}

func textReply(text string) fakeReply {
	b, _ := json.Marshal(apiResponse{Candidates: []apiCandidate{{
		Content: apiContent{Role: "model", Parts: []apiPart{{Text: text}}},
	}}})
	return fakeReply{status: http.StatusOK, body: string(b)}
}

func (f *fakeModel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var req apiRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.requests = append(f.requests, req)
	f.headers = append(f.headers, r.Header.Clone())
	f.paths = append(f.paths, r.URL.Path)

	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	w.WriteHeader(reply.status)
	_, _ = w.Write([]byte(reply.body))
}

func (f *fakeModel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestClient(t *testing.T, replies ...fakeReply) (*Client, *fakeModel) {
	t.Helper()
	fake := &fakeModel{replies: replies}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c := New(Config{
		Endpoint:    srv.URL,
		Model:       "test-model",
		APIKey:      "secret-key",
		Temperature: DefaultTemperature,
		Timeout:     5 * time.Second,
	})
	return c, fake
}

var labelSchema = &Schema{
	Type:     "object",
	Required: []string{"label", "needs_reply"},
	Properties: map[string]*Schema{
		"label":       {Type: "string", Enum: []string{"support", "billing", "other"}},
		"needs_reply": {Type: "boolean"},
		"confidence":  {Type: "number"},
	},
}

func TestCall_PlainText(t *testing.T) {
	c, fake := newTestClient(t, textReply("  hello there  "))

	resp, err := c.Call(context.Background(), "say hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Text)
	assert.Equal(t, 1, resp.Attempts)

	require.Equal(t, 1, fake.count())
	assert.Equal(t, "secret-key", fake.headers[0].Get("x-goog-api-key"))
	assert.Equal(t, "/models/test-model:generateContent", fake.paths[0])
	assert.Equal(t, 0.3, fake.requests[0].GenerationConfig.Temperature)
	assert.Empty(t, fake.requests[0].GenerationConfig.ResponseMIMEType)
	assert.Equal(t, "say hi", fake.requests[0].Contents[0].Parts[0].Text)
}

func TestCall_SchemaSanitizesFencesAndProse(t *testing.T) {
	c, fake := newTestClient(t, textReply(
		"Sure! Here is the result:\n```json\n{\"label\": \"billing\", \"needs_reply\": true}\n```\nHope that helps."))

	resp, err := c.Call(context.Background(), "classify", labelSchema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"label":"billing","needs_reply":true}`, string(resp.JSON))
	assert.Equal(t, "application/json", fake.requests[0].GenerationConfig.ResponseMIMEType)
	assert.Contains(t, fake.requests[0].Contents[0].Parts[0].Text, "Respond with JSON only")
}

func TestCall_NonJSONRetriedOnceThenFails(t *testing.T) {
	c, fake := newTestClient(t,
		textReply("I think this is billing."),
		textReply("Still not JSON, sorry."),
	)

	_, err := c.Call(context.Background(), "classify", labelSchema)
	require.Error(t, err)
	assert.Equal(t, KindSchemaValidation, KindOf(err))

	require.Equal(t, 2, fake.count())
	assert.Equal(t, 0.3, fake.requests[0].GenerationConfig.Temperature)
	assert.Equal(t, 0.0, fake.requests[1].GenerationConfig.Temperature)
	assert.Contains(t, fake.requests[1].Contents[0].Parts[0].Text, "Return ONLY a single valid JSON value")
}

func TestCall_RetrySucceeds(t *testing.T) {
	c, fake := newTestClient(t,
		textReply(`{"label": "refunds", "needs_reply": true}`),
		textReply(`{"label": "support", "needs_reply": false, "confidence": 0.9}`),
	)

	resp, err := c.Call(context.Background(), "classify", labelSchema)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, 2, fake.count())
}

func TestCall_EmptyCompletionIsInvalidResponse(t *testing.T) {
	empty := fakeReply{status: http.StatusOK, body: `{"candidates": []}`}
	c, fake := newTestClient(t, empty, empty)

	_, err := c.Call(context.Background(), "classify", labelSchema)
	require.Error(t, err)
	assert.Equal(t, KindInvalidResponse, KindOf(err))
	assert.Equal(t, 2, fake.count())
}

func TestCall_HTTPStatusNotRetried(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusInternalServerError, KindServiceUnavailable},
		{http.StatusBadGateway, KindServiceUnavailable},
		{http.StatusServiceUnavailable, KindServiceUnavailable},
		{http.StatusGatewayTimeout, KindServiceUnavailable},
		{http.StatusBadRequest, KindGeneric},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c, fake := newTestClient(t, fakeReply{
				status: tc.status,
				body:   `{"error": {"code": 1, "message": "nope", "status": "X"}}`,
			})

			_, err := c.Call(context.Background(), "classify", labelSchema)
			require.Error(t, err)
			assert.Equal(t, tc.want, KindOf(err))
			assert.Contains(t, err.Error(), "nope")
			assert.Equal(t, 1, fake.count())

			var apiErr *Error
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.status, apiErr.StatusCode)
		})
	}
}

func TestCall_TransportError(t *testing.T) {
	c := New(Config{Endpoint: "http://127.0.0.1:1", APIKey: "k", Timeout: time.Second})

	_, err := c.Call(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.True(t, IsRetryable(err))
}

func TestNew_LeavesCallerHTTPClientAlone(t *testing.T) {
	shared := &http.Client{Timeout: 5 * time.Minute}
	c := New(Config{APIKey: "k", Timeout: 3 * time.Second, HTTPClient: shared})

	assert.Equal(t, 5*time.Minute, shared.Timeout)
	assert.Equal(t, 3*time.Second, c.http.Timeout)
	assert.NotSame(t, shared, c.http)
}

func TestCallJSON(t *testing.T) {
	c, _ := newTestClient(t, textReply(`{"label": "support", "needs_reply": true, "confidence": 0.75}`))

	type verdict struct {
		Label      string   `json:"label"`
		NeedsReply bool     `json:"needs_reply"`
		Confidence *float64 `json:"confidence"`
	}

	got, err := CallJSON[verdict](context.Background(), c, "classify", labelSchema)
	require.NoError(t, err)
	assert.Equal(t, "support", got.Label)
	assert.True(t, got.NeedsReply)
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 0.75, *got.Confidence, 1e-9)
}

func TestSchemaValidate(t *testing.T) {
	arraySchema := &Schema{Type: "array", Items: labelSchema}

	cases := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"valid", `[{"label":"other","needs_reply":false}]`, ""},
		{"missing required", `[{"label":"other"}]`, `missing required field "needs_reply"`},
		{"enum violation", `[{"label":"spam","needs_reply":false}]`, "not one of"},
		{"wrong type", `[{"label":"other","needs_reply":"yes"}]`, "expected boolean"},
		{"not an array", `{"label":"other"}`, "expected array"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var v any
			require.NoError(t, json.Unmarshal([]byte(tc.doc), &v))
			err := arraySchema.Validate(v)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`:                       `{"a":1}`,
		"```json\n{\"a\":1}\n```":       `{"a":1}`,
		"```\n[1,2]\n```":               `[1,2]`,
		"Result: {\"a\":{\"b\":2}} end": `{"a":{"b":2}}`,
		"no json here":                  "no json here",
		"   ":                           "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), "input %q", in)
	}
}

func TestWithBackoff(t *testing.T) {
	t.Run("retries retryable errors", func(t *testing.T) {
		calls := 0
		err := WithBackoff(context.Background(), 3, time.Millisecond, func(context.Context) error {
			calls++
			if calls < 3 {
				return newError(KindServiceUnavailable, 503, "busy", nil)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := WithBackoff(context.Background(), 2, time.Millisecond, func(context.Context) error {
			calls++
			return newError(KindRateLimited, 429, "slow down", nil)
		})
		require.Error(t, err)
		assert.Equal(t, KindRateLimited, KindOf(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry auth or invalid output", func(t *testing.T) {
		for _, kind := range []Kind{KindAuth, KindInvalidResponse, KindSchemaValidation} {
			calls := 0
			err := WithBackoff(context.Background(), 3, time.Millisecond, func(context.Context) error {
				calls++
				return newError(kind, 0, "x", nil)
			})
			require.Error(t, err)
			assert.Equal(t, 1, calls, kind.String())
		}
	})
}

func TestBackoffCaller(t *testing.T) {
	c, fake := newTestClient(t,
		fakeReply{status: http.StatusServiceUnavailable, body: `{"error":{"message":"overloaded"}}`},
		textReply("ok"),
	)

	resp, err := Backoff{Caller: c, MaxRetries: 2, Base: time.Millisecond}.Call(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", strings.TrimSpace(resp.Text))
	assert.Equal(t, 2, fake.count())
}
