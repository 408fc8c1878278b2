// Package llm is the chat responder: it routes between a local Ollama
// instance and a cloud endpoint depending on the configured mode, degrading
// to "no reply" when both legs fail. Reply quality is out of scope here; the
// router only moves messages.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	ModeLocalFirst = "local_first"
	ModeCloudFirst = "cloud_first"
	ModeOff        = "off"
)

var ErrNoResponder = errors.New("llm: no responder available")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Config struct {
	Mode          string
	OllamaBaseURL string
	OllamaModel   string
	CloudBaseURL  string
	CloudAPIKey   string
	CloudModel    string
	Timeout       time.Duration
}

type Router struct {
	cfg    Config
	client *http.Client
}

func NewRouter(cfg Config) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Second
	}
	return &Router{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Chat returns a reply for the message history, or ErrNoResponder when the
// mode is off or every configured leg failed.
func (r *Router) Chat(ctx context.Context, messages []Message) (string, error) {
	switch strings.ToLower(strings.TrimSpace(r.cfg.Mode)) {
	case ModeOff:
		return "", ErrNoResponder
	case ModeCloudFirst:
		if out, err := r.cloudChat(ctx, messages); err == nil {
			return out, nil
		}
		if out, err := r.ollamaChat(ctx, messages); err == nil {
			return out, nil
		}
		return "", ErrNoResponder
	default: // local_first
		if out, err := r.ollamaChat(ctx, messages); err == nil {
			return out, nil
		}
		if out, err := r.cloudChat(ctx, messages); err == nil {
			return out, nil
		}
		return "", ErrNoResponder
	}
}

func (r *Router) ollamaChat(ctx context.Context, messages []Message) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(r.cfg.OllamaBaseURL), "/")
	if base == "" {
		return "", errors.New("llm: ollama base url not configured")
	}
	model := r.cfg.OllamaModel
	if model == "" {
		model = "llama3.1:8b"
	}

	payload, err := buildOllamaPayload(model, messages)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: ollama status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(gjson.GetBytes(body, "message.content").String())
	if content == "" {
		return "", errors.New("llm: empty ollama response")
	}
	return content, nil
}

func buildOllamaPayload(model string, messages []Message) ([]byte, error) {
	payload := []byte(`{}`)
	payload, err := sjson.SetBytes(payload, "model", model)
	if err != nil {
		return nil, err
	}
	payload, err = sjson.SetBytes(payload, "stream", false)
	if err != nil {
		return nil, err
	}
	payload, err = sjson.SetBytes(payload, "messages", messages)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (r *Router) cloudChat(ctx context.Context, messages []Message) (string, error) {
	key := strings.TrimSpace(r.cfg.CloudAPIKey)
	if key == "" {
		return "", errors.New("llm: cloud api key not configured")
	}

	opts := []option.RequestOption{option.WithAPIKey(key)}
	if base := strings.TrimSpace(r.cfg.CloudBaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	client := openai.NewClient(opts...)

	model := r.cfg.CloudModel
	if model == "" {
		model = "gpt-4o-mini"
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    toOpenAIMessages(messages),
		Temperature: openai.Float(0.4),
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	resp, err := client.Chat.Completions.New(callCtx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: empty cloud response")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("llm: empty cloud response")
	}
	return content, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
