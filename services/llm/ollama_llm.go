package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/driftline-ai/driftline/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("driftline.llm.ollama") // Specific tracer name

type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// Ollama API request structure
type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []datatypes.Message    `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message   datatypes.Message `json:"message"`
	CreatedAt string            `json:"created_at"`
	Done      bool              `json:"done"`
	Error     string            `json:"error"`
}

func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	model := os.Getenv("OLLAMA_MODEL")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	if model == "" {
		slog.Warn("OLLAMA_MODEL not set, requests must specify model, default gpt-oss")
		model = "gpt-oss"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// buildOptions maps GenerationParams onto the Ollama options payload,
// filling in local defaults for unset fields.
func buildOptions(params GenerationParams) map[string]interface{} {
	options := make(map[string]interface{})
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = float32(0.2)
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	} else {
		options["top_k"] = 20
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	} else {
		options["top_p"] = float32(0.9)
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	} else {
		options["num_predict"] = 8192
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

// ChatStream implements streaming chat over the Ollama NDJSON wire format.
//
// # Description
//
// Sends the chat request with stream=true and decodes the response body line
// by line, forwarding each message fragment to callback as a token event.
// Returns nil once Ollama reports done. A callback error aborts the stream
// and is returned as-is, so context cancellation surfaced through the
// callback stays distinguishable from backend failures.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - messages: Conversation history, system first, current user last.
//   - params: Generation parameters.
//   - callback: Receives one event per decoded chunk.
//
// # Outputs
//
//   - error: Non-nil on transport failure, malformed chunk, in-band Ollama
//     error, or callback abort.
//
// # Limitations
//
//   - Chunks larger than the scanner buffer (1MB) fail the stream.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	chatURL := o.baseURL + "/api/chat"
	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
		Options:  buildOptions(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal chat request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", chatURL, bytes.NewBuffer(reqBody))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create chat request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to send the request to %s: %w", chatURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		err := o.statusError(resp.StatusCode, respBody)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := decodeChatStream(ctx, resp.Body, callback); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// decodeChatStream reads NDJSON chat chunks from r and forwards them to
// callback until the done chunk, a decode failure, or a callback abort.
func decodeChatStream(ctx context.Context, r io.Reader, callback StreamCallback) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("failed to parse Ollama stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama stream error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			if err := callback(StreamEvent{Type: StreamEventToken, Content: chunk.Message.Content}); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		// A canceled request surfaces here as a read error on the body.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to read Ollama stream: %w", err)
	}
	return fmt.Errorf("ollama stream ended without done chunk")
}

// statusError converts a non-200 Ollama response into an error, with a
// friendlier message for the missing-model case.
func (o *OllamaClient) statusError(statusCode int, body []byte) error {
	if statusCode == http.StatusNotFound {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil && strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
			slog.Warn("Ollama model not found", "model", o.model)
			return fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s'", o.model, o.model)
		}
	}
	slog.Error("Ollama returned an error", "status_code", statusCode, "response", string(body))
	return fmt.Errorf("Ollama failed with status %d: %s", statusCode, string(body))
}

var _ LLMClient = (*OllamaClient)(nil)
