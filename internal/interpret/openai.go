package interpret

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const systemPrompt = "You classify text messages sent by someone holding a ticket reservation. " +
	"Return ONLY JSON of the shape {\"action\":\"commit|release|status|none\"}. " +
	"commit: they want to buy the held tickets now. release: they want to give the hold up. " +
	"status: they ask how the hold is going. none: anything else, including unclear messages."

// OpenAIInterpreter asks a chat model to classify the message and falls back to
// another interpreter when the call or its answer is unusable.
type OpenAIInterpreter struct {
	client   *openai.Client
	model    string
	timeout  time.Duration
	fallback Interpreter
	logger   *log.Logger
}

func NewOpenAIInterpreter(cfg Config, fallback Interpreter, logger *log.Logger) *OpenAIInterpreter {
	clientCfg := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &OpenAIInterpreter{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		timeout:  timeout,
		fallback: fallback,
		logger:   logger,
	}
}

func (o *OpenAIInterpreter) Name() string {
	return "openai"
}

func (o *OpenAIInterpreter) Interpret(ctx context.Context, text string) (Action, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: strings.TrimSpace(text)},
		},
	})
	if err != nil {
		return o.interpretFallback(ctx, text, fmt.Errorf("call openai interpreter: %w", err))
	}
	if len(resp.Choices) == 0 {
		return o.interpretFallback(ctx, text, errors.New("openai interpreter returned no choices"))
	}

	var decoded struct {
		Action string `json:"action"`
	}
	content := extractJSONObject(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		return o.interpretFallback(ctx, text, fmt.Errorf("decode openai action: %w", err))
	}
	return ParseAction(decoded.Action), nil
}

func (o *OpenAIInterpreter) interpretFallback(ctx context.Context, text string, cause error) (Action, error) {
	if o.fallback == nil {
		return ActionNone, cause
	}
	o.logger.Printf("interpreter fallback: interpreter=%s fallback=%s cause=%v", o.Name(), o.fallback.Name(), cause)
	return o.fallback.Interpret(ctx, text)
}

func extractJSONObject(value string) string {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}
	return trimmed
}
