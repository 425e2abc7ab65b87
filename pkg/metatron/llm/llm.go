// Package llm generates assistant replies and transcribes voice notes.
// Uses the OpenAI-compatible API format, which works with OpenAI, GLM
// (api.z.ai), and any compatible endpoint.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// HistoryEntry is one prior turn handed to the generator.
type HistoryEntry struct {
	Role    string // "user" or "assistant"
	Content string
}

// GenerateRequest carries everything the generator needs for one reply.
type GenerateRequest struct {
	SystemPrompt string
	History      []HistoryEntry
	UserMessage  string
}

// ReplyGenerator produces an assistant reply. Implementations stream:
// onChunk is invoked for each text delta as it arrives, so callers can
// preserve partial output when the context is cancelled mid-stream. The
// returned string is the text accumulated before the error, if any.
type ReplyGenerator interface {
	Generate(ctx context.Context, req GenerateRequest, onChunk func(delta string)) (string, error)
}

// Transcriber converts voice note audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Config configures the OpenAI-compatible client.
type Config struct {
	BaseURL            string `yaml:"base_url" env:"METATRON_LLM_BASE_URL"`
	APIKey             string `yaml:"api_key" env:"METATRON_LLM_API_KEY"`
	Model              string `yaml:"model" env:"METATRON_LLM_MODEL"`
	TranscriptionModel string `yaml:"transcription_model" env:"METATRON_TRANSCRIPTION_MODEL"`
}

// OpenAIClient implements ReplyGenerator and Transcriber on the
// go-openai SDK.
type OpenAIClient struct {
	client             *openai.Client
	model              string
	transcriptionModel string
	logger             *slog.Logger
}

// NewOpenAIClient creates a client from config. BaseURL defaults to the
// OpenAI endpoint; Model must be set by the caller's config layer.
func NewOpenAIClient(cfg Config, logger *slog.Logger) *OpenAIClient {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	transcriptionModel := cfg.TranscriptionModel
	if transcriptionModel == "" {
		transcriptionModel = openai.Whisper1
	}

	return &OpenAIClient{
		client:             openai.NewClientWithConfig(apiCfg),
		model:              cfg.Model,
		transcriptionModel: transcriptionModel,
		logger:             logger.With("component", "llm"),
	}
}

// Generate streams a chat completion, invoking onChunk per delta. On
// error (including context cancellation mid-stream) it returns the text
// received so far together with the error.
func (c *OpenAIClient) Generate(ctx context.Context, req GenerateRequest, onChunk func(delta string)) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, entry := range req.History {
		role := openai.ChatMessageRoleUser
		if entry.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: entry.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserMessage,
	})

	c.logger.Debug("starting chat completion",
		"model", c.model,
		"history", len(req.History),
	)

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return "", fmt.Errorf("starting completion stream: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sb.String(), fmt.Errorf("receiving stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if onChunk != nil {
			onChunk(delta)
		}
	}

	return strings.TrimSpace(sb.String()), nil
}

// Transcribe converts voice note audio to text via the audio
// transcriptions API.
func (c *OpenAIClient) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.transcriptionModel,
		Reader:   bytes.NewReader(audio),
		FilePath: fileNameForMime(mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("transcribing audio: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// fileNameForMime picks a filename whose extension matches the audio
// container; the API infers the format from it.
func fileNameForMime(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "ogg"), strings.Contains(mimeType, "opus"):
		return "voice.ogg"
	case strings.Contains(mimeType, "mp4"), strings.Contains(mimeType, "m4a"):
		return "voice.m4a"
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return "voice.mp3"
	default:
		return "voice.ogg"
	}
}
