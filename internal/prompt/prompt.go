// Package prompt generates image prompts from reference images.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/genqueue/internal/storage"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// ErrEmptyPrompt is returned when the model answers without usable text.
var ErrEmptyPrompt = errors.New("prompt provider returned no text")

// Request is one enrichment call.
type Request struct {
	ImageURLs      []string
	ExistingPrompt string
	Instructions   string
}

// Provider generates prompt text for a set of reference images.
type Provider interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Config holds Gemini settings
type Config struct {
	APIKey      string
	Model       string
	Temperature float32
}

// Gemini implements Provider with the Gemini API.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewGemini creates a Gemini-backed prompt provider.
func NewGemini(ctx context.Context, cfg *Config, logger *slog.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-1.5-flash"
	}

	logger.Info("Gemini prompt provider initialized", slog.String("model", model))
	return &Gemini{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}, nil
}

func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	parts := make([]genai.Part, 0, len(req.ImageURLs)+1)
	for i, u := range req.ImageURLs {
		data, contentType, err := storage.Fetch(ctx, g.httpClient, u)
		if err != nil {
			return "", fmt.Errorf("failed to download reference image %d: %w", i, err)
		}
		parts = append(parts, genai.ImageData(imageFormat(contentType), data))
	}
	parts = append(parts, genai.Text(BuildInstruction(req)))

	model := g.client.GenerativeModel(g.model)
	if g.temperature > 0 {
		model.SetTemperature(g.temperature)
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}

	text := ExtractText(resp)
	if text == "" {
		return "", ErrEmptyPrompt
	}

	g.logger.Debug("Prompt generated",
		slog.Int("images", len(req.ImageURLs)),
		slog.Int("length", len(text)),
	)
	return text, nil
}

// Close releases the underlying client.
func (g *Gemini) Close() error {
	return g.client.Close()
}

// BuildInstruction renders the text part sent alongside the reference images.
func BuildInstruction(req Request) string {
	var b strings.Builder
	b.WriteString("Write a single detailed prompt for an image generation model that reproduces the subject, ")
	b.WriteString("composition and style of the attached reference images. Answer with the prompt text only.")
	if req.ExistingPrompt != "" {
		b.WriteString("\n\nRefine this draft prompt: ")
		b.WriteString(req.ExistingPrompt)
	}
	if req.Instructions != "" {
		b.WriteString("\n\nAdditional instructions: ")
		b.WriteString(req.Instructions)
	}
	return b.String()
}

// ExtractText joins the text parts of the first candidate that has any.
func ExtractText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		var b strings.Builder
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
		if s := strings.TrimSpace(b.String()); s != "" {
			return s
		}
	}
	return ""
}

// imageFormat turns a content type into the short format ImageData expects.
func imageFormat(contentType string) string {
	format := strings.TrimPrefix(strings.ToLower(contentType), "image/")
	if i := strings.IndexByte(format, ';'); i >= 0 {
		format = format[:i]
	}
	switch format {
	case "png", "jpeg", "webp", "heic", "heif":
		return format
	case "jpg":
		return "jpeg"
	default:
		return "png"
	}
}
