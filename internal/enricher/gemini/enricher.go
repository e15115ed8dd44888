// Package gemini implements crawler.Enricher on the Gemini API. The model is
// asked to cluster the day's items into topics and answer with JSON only.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gemini-2.0-flash"

// Generator is the part of genai.Models the enricher calls.
type Generator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Config tunes the enricher.
type Config struct {
	APIKey      string
	Model       string
	Temperature float32
}

// Enricher groups items through a Gemini model.
type Enricher struct {
	gen    Generator
	cfg    Config
	logger *zap.Logger
}

// New builds an Enricher on a Gemini API client.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Enricher, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("enricher.api_key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("init genai client: %w", err)
	}
	return NewWithGenerator(client.Models, cfg, logger), nil
}

// NewWithGenerator builds an Enricher over gen.
func NewWithGenerator(gen Generator, cfg Config, logger *zap.Logger) *Enricher {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{gen: gen, cfg: cfg, logger: logger}
}

const instruction = `You group trending items from several Chinese platforms into stories.
Items describing the same real-world event belong to one group, even across platforms.
Every fingerprint you return must come from the input, and each fingerprint may appear in at most one group.
Leave an item out when it matches nothing else.
Answer with JSON only, no markdown, shaped as:
{"groups":[{"title":"","summary":"","keywords":[""],"category":"","representative_url":"","fingerprints":[""]}]}
category is one of: society, entertainment, tech, finance, sports, politics, international, other.`

type response struct {
	Groups []crawler.TopicGroup `json:"groups"`
}

// Group asks the model to cluster items. Transport failures come back as
// *crawler.FetchError so the caller can classify them.
func (e *Enricher) Group(ctx context.Context, items []crawler.ItemSummary) (crawler.EnrichmentResult, error) {
	if len(items) == 0 {
		return crawler.EnrichmentResult{Model: e.cfg.Model}, nil
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return crawler.EnrichmentResult{}, fmt.Errorf("encode items: %w", err)
	}
	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(e.cfg.Temperature),
		ResponseMIMEType:  "application/json",
		SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
	}
	contents := []*genai.Content{genai.NewContentFromText(string(payload), genai.RoleUser)}

	resp, err := e.gen.GenerateContent(ctx, e.cfg.Model, contents, config)
	if err != nil {
		return crawler.EnrichmentResult{}, classify(err)
	}
	text := responseText(resp)
	if text == "" {
		return crawler.EnrichmentResult{}, crawler.NewFetchError(crawler.KindFormat, "enrich", errors.New("empty model response"))
	}
	var parsed response
	if err := json.Unmarshal([]byte(stripFences(text)), &parsed); err != nil {
		e.logger.Warn("unparseable enrichment response", zap.Int("bytes", len(text)), zap.Error(err))
		return crawler.EnrichmentResult{}, crawler.NewFetchError(crawler.KindParse, "enrich", err)
	}
	e.logger.Debug("enrichment grouped items",
		zap.Int("items", len(items)),
		zap.Int("groups", len(parsed.Groups)),
		zap.String("model", e.cfg.Model),
	)
	return crawler.EnrichmentResult{Groups: parsed.Groups, Model: e.cfg.Model}, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" {
				b.WriteString(part.Text)
			}
		}
		if b.Len() > 0 {
			break
		}
	}
	return b.String()
}

var fencePattern = regexp.MustCompile("(?s)^\\s*```(?:json|JSON)?\\s*\\n?(.*?)\\n?\\s*```\\s*$")

// stripFences removes a markdown code fence some models add despite the
// instruction.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fencePattern.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return crawler.NewFetchError(crawler.KindRateLimited, "enrich", err)
		case apiErr.Code == http.StatusBadRequest:
			return crawler.NewFetchError(crawler.KindFormat, "enrich", err)
		}
		return crawler.NewFetchError(crawler.KindNetwork, "enrich", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return crawler.NewFetchError(crawler.KindTimeout, "enrich", err)
	}
	return crawler.NewFetchError(crawler.KindNetwork, "enrich", err)
}
