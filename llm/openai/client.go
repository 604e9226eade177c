// Package openai adapts github.com/openai/openai-go's Chat Completions
// streaming API to the llm.Client contract (spec §4.6).
package openai

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/turnengine/llm"
)

// ChatClient captures the subset of the OpenAI SDK used by the adapter,
// satisfied by the real client's Chat.Completions service or a test double.
type ChatClient interface {
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// Options configures the adapter's defaults.
type Options struct {
	DefaultModel string
	MaxTokens    int
}

// Client implements llm.Client on top of OpenAI Chat Completions.
type Client struct {
	chat      ChatClient
	model     string
	maxTokens int
}

// New constructs a Client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	model := strings.TrimSpace(opts.DefaultModel)
	if model == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, model: model, maxTokens: opts.MaxTokens}, nil
}

// NewFromAPIKey constructs a Client using the default OpenAI HTTP client,
// authenticated with apiKey, which must be non-empty.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Stream implements llm.Client.
func (c *Client) Stream(ctx context.Context, req llm.Request) (llm.Streamer, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := c.chat.NewStreaming(ctx, params)
	return newStreamer(ctx, stream), nil
}

func (c *Client) buildParams(req llm.Request) (openai.ChatCompletionNewParams, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	return params, nil
}
