// Package ollama adapts Ollama's native API to the engines.Engine
// contract: NDJSON streaming on /api/chat, residency via keep_alive, and
// /api/ps for the engine's own view of loaded models.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gantry-ai/gantry/pkg/engines"
	"github.com/gantry-ai/gantry/pkg/logging"
)

// Name is the adapter name.
const Name = "ollama"

// keepAliveResident pins a model in memory until an explicit unload.
const keepAliveResident = "-1"

// keepAliveRelease asks the engine to unload immediately.
const keepAliveRelease = "0"

type ollama struct {
	log      logging.Logger
	client   *http.Client
	endpoint string
}

// New creates an adapter for an Ollama server at the given base URL
// (without the /api suffix).
func New(log logging.Logger, endpoint string, httpClient *http.Client) engines.Engine {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ollama{
		log:      log,
		client:   httpClient,
		endpoint: strings.TrimSuffix(endpoint, "/"),
	}
}

func (o *ollama) Name() string {
	return Name
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	KeepAlive string        `json:"keep_alive,omitempty"`
	// Think is a bool toggle or a level string ("low"/"medium"/"high"),
	// depending on the model family.
	Think   any            `json:"think,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// chatChunk is one NDJSON line of a streaming /api/chat response. The final
// line has done=true and carries the token counts.
type chatChunk struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
	Error           string      `json:"error,omitempty"`
}

func (o *ollama) Generate(ctx context.Context, model string, messages []engines.Message, params engines.GenerateParams) (<-chan engines.Delta, error) {
	converted := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case engines.RoleSystem, engines.RoleUser, engines.RoleAssistant:
			converted = append(converted, chatMessage{Role: m.Role, Content: m.Content})
		default:
			return nil, engines.NewProtocolError(fmt.Errorf("unknown message role %q", m.Role))
		}
	}

	req := chatRequest{
		Model:     model,
		Messages:  converted,
		Stream:    true,
		KeepAlive: keepAliveResident,
	}
	if params.Thinking != nil {
		req.Think = *params.Thinking
	} else if params.ThinkingLevel != "" {
		req.Think = params.ThinkingLevel
	}
	if params.Temperature != nil || params.MaxTokens > 0 {
		req.Options = map[string]any{}
		if params.Temperature != nil {
			req.Options["temperature"] = *params.Temperature
		}
		if params.MaxTokens > 0 {
			req.Options["num_predict"] = params.MaxTokens
		}
	}

	resp, err := o.post(ctx, "/api/chat", req)
	if err != nil {
		return nil, err
	}

	ch := make(chan engines.Delta, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		start := time.Now()
		send := func(d engines.Delta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		usage := &engines.Usage{}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk chatChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				send(engines.Delta{Kind: engines.DeltaError, Err: engines.NewProtocolError(err)})
				return
			}
			if chunk.Error != "" {
				send(engines.Delta{Kind: engines.DeltaError, Err: engines.NewEngineError(http.StatusInternalServerError, fmt.Errorf("%s", chunk.Error))})
				return
			}
			if chunk.Message.Content != "" {
				if !send(engines.Delta{Kind: engines.DeltaText, Text: chunk.Message.Content}) {
					return
				}
			}
			if chunk.Done {
				usage.InputTokens = chunk.PromptEvalCount
				usage.OutputTokens = chunk.EvalCount
				break
			}
		}
		if err := scanner.Err(); err != nil {
			send(engines.Delta{Kind: engines.DeltaError, Err: engines.ClassifyTransport(err)})
			return
		}

		usage.Duration = time.Since(start)
		send(engines.Delta{Kind: engines.DeltaUsage, Usage: usage})
	}()

	return ch, nil
}

// Load makes the model resident with an empty chat and keep_alive -1, which
// pins it until Unload.
func (o *ollama) Load(ctx context.Context, model string, params engines.GenerateParams) error {
	req := chatRequest{
		Model:     model,
		Stream:    false,
		KeepAlive: keepAliveResident,
	}
	resp, err := o.post(ctx, "/api/chat", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Unload releases the model with keep_alive 0.
func (o *ollama) Unload(ctx context.Context, model string) error {
	req := chatRequest{
		Model:     model,
		Stream:    false,
		KeepAlive: keepAliveRelease,
	}
	resp, err := o.post(ctx, "/api/chat", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type psModel struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

type psResponse struct {
	Models []psModel `json:"models"`
}

func (o *ollama) ListLoaded(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"/api/ps", nil)
	if err != nil {
		return nil, engines.NewProtocolError(err)
	}
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, engines.ClassifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, engines.NewEngineError(resp.StatusCode, fmt.Errorf("ps returned status %d", resp.StatusCode))
	}

	var ps psResponse
	if err := json.NewDecoder(resp.Body).Decode(&ps); err != nil {
		return nil, engines.NewProtocolError(err)
	}
	models := make([]string, 0, len(ps.Models))
	for _, m := range ps.Models {
		name := m.Model
		if name == "" {
			name = m.Name
		}
		models = append(models, name)
	}
	return models, nil
}

func (o *ollama) Cleanup(ctx context.Context) error {
	return nil
}

func (o *ollama) post(ctx context.Context, path string, body any) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, engines.NewProtocolError(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, engines.NewProtocolError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, engines.ClassifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, engines.NewEngineError(resp.StatusCode, fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(detail))))
	}
	return resp, nil
}
