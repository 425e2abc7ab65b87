// Package tts synthesizes speech for voice note replies. Two backends:
// OpenAI speech (paid, Opus output that WhatsApp plays natively) and
// Microsoft Edge read-aloud (free, MP3). Auto mode prefers OpenAI and
// falls back to Edge.
package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Provider converts text to audio. Returns the audio bytes and MIME type.
type Provider interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, string, error)
}

// Config configures the speech stack.
type Config struct {
	Provider string `yaml:"provider" env:"METATRON_TTS_PROVIDER"` // openai, edge, auto, off
	Voice    string `yaml:"voice" env:"METATRON_TTS_VOICE"`
	Model    string `yaml:"model" env:"METATRON_TTS_MODEL"`
}

// maxInputLen is the character limit of the speech APIs.
const maxInputLen = 4096

func clampInput(text string) string {
	if len(text) > maxInputLen {
		return text[:maxInputLen-3] + "..."
	}
	return text
}

// OpenAIProvider synthesizes via the OpenAI speech API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates an OpenAI speech provider. apiKey and baseURL
// usually come from the LLM config so one key serves both.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = string(openai.TTSModel1)
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Synthesize returns Opus audio, which WhatsApp treats as a voice note.
func (p *OpenAIProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	if voice == "" {
		voice = string(openai.VoiceNova)
	}

	resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(p.model),
		Input:          clampInput(text),
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatOpus,
	})
	if err != nil {
		return nil, "", fmt.Errorf("speech request: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, "", fmt.Errorf("reading speech audio: %w", err)
	}
	return audio, "audio/ogg; codecs=opus", nil
}

// EdgeProvider synthesizes via Microsoft Edge's read-aloud service. Same
// Azure voices as the edge-tts Python package, reached over plain HTTP.
//
// Popular voices:
//   - en-US-JennyNeural (US English, female)
//   - en-US-GuyNeural (US English, male)
//   - pt-BR-FranciscaNeural (Brazilian Portuguese, female)
type EdgeProvider struct {
	client *http.Client
	logger *slog.Logger
}

// NewEdgeProvider creates an Edge TTS provider.
func NewEdgeProvider(logger *slog.Logger) *EdgeProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &EdgeProvider{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("component", "edge-tts"),
	}
}

const edgeEndpoint = "https://speech.platform.bing.com/consumer/speech/synthesize/readaloud/naturaltts/v1"

// Synthesize returns MP3 audio.
func (p *EdgeProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	if voice == "" {
		voice = "en-US-JennyNeural"
	}

	ssml := fmt.Sprintf(`<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='en-US'><voice name='%s'><prosody pitch='+0Hz' rate='+0%%' volume='+0%%'>%s</prosody></voice></speak>`,
		voice, escapeXML(clampInput(text)))

	url := edgeEndpoint + "?TrustedClientToken=6A5AA1D4EAFF4E9FB37E23D68491D6F4&ConnectionId=gen&Enc=mp3&OutputFormat=audio-24khz-48kbitrate-mono-mp3"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(ssml))
	if err != nil {
		return nil, "", fmt.Errorf("edge-tts: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Edg/130.0.0.0")
	req.Header.Set("Origin", "chrome-extension://jdiccldimpdaibmpdkjnbmckianbfold")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("edge-tts: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", fmt.Errorf("edge-tts: HTTP %d: %s", resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("edge-tts: reading audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, "", fmt.Errorf("edge-tts: empty audio response")
	}

	return stripFraming(audio), "audio/mpeg", nil
}

// stripFraming drops any binary framing bytes the read-aloud endpoint
// prepends before the MP3 data.
func stripFraming(data []byte) []byte {
	for i := 0; i < len(data)-1; i++ {
		if data[i] == 0xFF && (data[i+1]&0xE0) == 0xE0 {
			return data[i:]
		}
	}
	if len(data) > 2 {
		headerLen := int(binary.BigEndian.Uint16(data[:2]))
		if headerLen > 0 && headerLen < len(data) {
			return data[headerLen:]
		}
	}
	return data
}

func escapeXML(text string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return r.Replace(text)
}

// FallbackProvider tries primary, then secondary. Used for auto mode
// (OpenAI preferred, Edge as the free fallback).
type FallbackProvider struct {
	primary   Provider
	secondary Provider
	logger    *slog.Logger
}

// NewFallbackProvider chains two providers.
func NewFallbackProvider(primary, secondary Provider, logger *slog.Logger) *FallbackProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackProvider{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With("component", "tts"),
	}
}

// Synthesize tries the primary provider, falling back on failure.
func (p *FallbackProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	audio, mime, err := p.primary.Synthesize(ctx, text, voice)
	if err == nil {
		return audio, mime, nil
	}
	p.logger.Warn("primary TTS failed, trying fallback", "error", err)
	return p.secondary.Synthesize(ctx, text, voice)
}

// FromConfig wires a provider from config. Returns nil when provider is
// "off" or empty — callers treat a nil provider as text-only replies.
func FromConfig(cfg Config, apiKey, baseURL string, logger *slog.Logger) Provider {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(apiKey, baseURL, cfg.Model)
	case "edge":
		return NewEdgeProvider(logger)
	case "auto":
		return NewFallbackProvider(
			NewOpenAIProvider(apiKey, baseURL, cfg.Model),
			NewEdgeProvider(logger),
			logger,
		)
	default:
		return nil
	}
}
