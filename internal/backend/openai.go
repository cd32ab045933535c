package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"chatgate/internal/domain"
)

// OpenAI implements domain.StreamingBackend for OpenAI-compatible chat
// completion APIs.
type OpenAI struct {
	name    string
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

type OpenAIConfig struct {
	Name    string
	APIKey  string
	APIBase string
	Model   string
	Logger  *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimSuffix(cfg.APIBase, "/"),
		model:   cfg.Model,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		logger:  cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", o.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("openai not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("openai: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai returned %d", resp.StatusCode)
	}
	return nil
}

type oaiRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	Stream      bool             `json:"stream"`
}

type oaiResponse struct {
	Choices []oaiChoice  `json:"choices"`
	Usage   domain.Usage `json:"usage"`
}

type oaiChoice struct {
	Message      domain.Message `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *domain.Usage `json:"usage"`
}

func (o *OpenAI) buildRequest(req domain.ChatRequest, stream bool) oaiRequest {
	model := req.Model
	if model == "" {
		model = o.model
	}
	body := oaiRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	return body
}

func (o *OpenAI) post(ctx context.Context, body oaiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return resp, nil
}

func (o *OpenAI) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := o.post(ctx, o.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var oaiResp oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return &domain.ChatResponse{Content: "", FinishReason: "stop"}, nil
	}

	choice := oaiResp.Choices[0]
	return &domain.ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        oaiResp.Usage,
	}, nil
}

// ChatStream sends incremental token events on out and closes it before
// returning. Server-sent events: one "data: {json}" line per chunk,
// terminated by "data: [DONE]".
func (o *OpenAI) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)

	resp, err := o.post(ctx, o.buildRequest(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var full strings.Builder
	var usage *domain.Usage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			o.logger.Warn("skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if token := chunk.Choices[0].Delta.Content; token != "" {
			full.WriteString(token)
			select {
			case out <- domain.StreamEvent{Type: domain.StreamToken, Content: token}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}

	select {
	case out <- domain.StreamEvent{Type: domain.StreamDone, Content: full.String(), Usage: usage}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
