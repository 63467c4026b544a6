// Package llm talks to a hosted generative language model over its
// generateContent HTTP API and turns completions into validated JSON.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nhle/inbox-triage/internal/logging"
)

const (
	defaultEndpoint    = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel       = "gemini-2.0-flash"
	defaultTemperature = 0.3
	defaultMaxTokens   = 2048
	defaultTimeout     = 45 * time.Second
)

// Caller is implemented by Client and by test doubles.
type Caller interface {
	Call(ctx context.Context, prompt string, schema *Schema) (*Response, error)
}

// Response is a successful model completion.
type Response struct {
	// Text is the raw completion text.
	Text string

	// JSON holds the sanitized, schema-valid document in schema mode.
	JSON json.RawMessage

	// Attempts is 1, or 2 when the corrective retry was needed.
	Attempts int
}

// Config configures a Client.
type Config struct {
	Endpoint        string
	Model           string
	APIKey          string
	Temperature     float64
	MaxOutputTokens int
	Timeout         time.Duration
	HTTPClient      *http.Client
}

// Client is a stateless model client. It is safe for concurrent use.
type Client struct {
	endpoint    string
	model       string
	apiKey      string
	temperature float64
	maxTokens   int
	http        *http.Client
	log         *slog.Logger
}

// New creates a client. Zero fields in cfg take defaults, except
// Temperature which is used as given.
func New(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	// Work on a copy so a shared client keeps its own timeout.
	httpClient := &http.Client{}
	if cfg.HTTPClient != nil {
		*httpClient = *cfg.HTTPClient
	}
	httpClient.Timeout = cfg.Timeout

	return &Client{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxOutputTokens,
		http:        httpClient,
		log:         logging.New("llm"),
	}
}

// DefaultTemperature is the sampling temperature for first attempts.
const DefaultTemperature = defaultTemperature

// Call sends prompt to the model. With a non-nil schema the completion
// must be a JSON document conforming to it; a malformed or empty
// completion is retried exactly once at temperature 0. HTTP failures are
// returned without retry.
func (c *Client) Call(ctx context.Context, prompt string, schema *Schema) (*Response, error) {
	text := prompt
	if schema != nil {
		text = prompt + schema.instruction()
	}
	temperature := c.temperature

	for attempt := 1; ; attempt++ {
		completion, err := c.generate(ctx, text, temperature, schema != nil)
		if err == nil {
			if schema == nil {
				return &Response{Text: completion, Attempts: attempt}, nil
			}
			var doc []byte
			if doc, err = decode(completion, schema); err == nil {
				return &Response{Text: completion, JSON: doc, Attempts: attempt}, nil
			}
		}

		kind := KindOf(err)
		if attempt > 1 || (kind != KindInvalidResponse && kind != KindSchemaValidation) {
			return nil, err
		}

		c.log.Warn("model output rejected, retrying", "kind", kind, "error", err)
		temperature = 0
		if schema != nil {
			text = prompt + schema.instruction() + retryInstruction
		}
	}
}

// CallJSON calls c in schema mode and decodes the document into T.
func CallJSON[T any](ctx context.Context, c Caller, prompt string, schema *Schema) (T, error) {
	var out T
	resp, err := c.Call(ctx, prompt, schema)
	if err != nil {
		return out, err
	}

	raw := resp.JSON
	if raw == nil {
		raw = json.RawMessage(Sanitize(resp.Text))
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, newError(KindSchemaValidation, 0, "decoding completion", err)
	}
	return out, nil
}

// generate performs a single generateContent request.
func (c *Client) generate(ctx context.Context, prompt string, temperature float64, jsonMode bool) (string, error) {
	reqBody := apiRequest{
		Contents: []apiContent{{
			Role:  "user",
			Parts: []apiPart{{Text: prompt}},
		}},
		GenerationConfig: apiGenerationConfig{
			Temperature:     temperature,
			MaxOutputTokens: c.maxTokens,
		},
	}
	if jsonMode {
		reqBody.GenerationConfig.ResponseMIMEType = "application/json"
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", newError(KindGeneric, 0, "marshaling request", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.endpoint, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", newError(KindGeneric, 0, "creating request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", newError(KindTransport, 0, "calling model API", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", newError(KindTransport, resp.StatusCode, "reading response", err)
	}

	var result apiResponse
	decodeErr := json.Unmarshal(respBody, &result)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(respBody))
		if decodeErr == nil && result.Error != nil && result.Error.Message != "" {
			msg = result.Error.Message
		}
		return "", newError(kindForStatus(resp.StatusCode), resp.StatusCode, msg, nil)
	}

	if decodeErr != nil {
		return "", newError(KindInvalidResponse, resp.StatusCode, "undecodable response envelope", decodeErr)
	}
	if result.Error != nil && result.Error.Message != "" {
		return "", newError(KindInvalidResponse, resp.StatusCode, result.Error.Message, nil)
	}
	if len(result.Candidates) == 0 {
		msg := "no candidates"
		if result.PromptFeedback != nil && result.PromptFeedback.BlockReason != "" {
			msg = "prompt blocked: " + result.PromptFeedback.BlockReason
		}
		return "", newError(KindInvalidResponse, resp.StatusCode, msg, nil)
	}

	var sb strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", newError(KindInvalidResponse, resp.StatusCode, "empty completion", nil)
	}
	return text, nil
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return KindServiceUnavailable
	default:
		return KindGeneric
	}
}
