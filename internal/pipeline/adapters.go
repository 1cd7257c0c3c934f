package pipeline

import (
	"context"

	"github.com/clipsight/clipsight/internal/model"
	"github.com/clipsight/clipsight/pkg/anthropic"
	"github.com/clipsight/clipsight/pkg/videoml"
)

// videomlAnnotator adapts the videoml client to the Annotator capability.
type videomlAnnotator struct {
	client videoml.Client
}

// NewVideoMLAnnotator wraps a videoml client as an Annotator.
func NewVideoMLAnnotator(client videoml.Client) Annotator {
	return &videomlAnnotator{client: client}
}

func (a *videomlAnnotator) Annotate(ctx context.Context, item model.CandidateItem, artifact model.DownloadedItem) (model.AnnotationResult, error) {
	resp, err := a.client.Annotate(ctx, videoml.AnnotateRequest{
		ItemID:      item.ID,
		ArtifactRef: artifact.ArtifactRef,
	})
	if err != nil {
		return model.AnnotationResult{}, err
	}
	return model.AnnotationResult{
		Labels:          resp.Labels,
		Transcript:      resp.Transcript,
		ShotChangeCount: resp.ShotChangeCount,
	}, nil
}

// anthropicGenerator adapts the Anthropic client to the TextGenerator
// capability, attributing cost per call.
type anthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicGenerator wraps an Anthropic client as a TextGenerator.
func NewAnthropicGenerator(client anthropic.Client, model string, maxTokens int64) TextGenerator {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &anthropicGenerator{client: client, model: model, maxTokens: maxTokens}
}

func (g *anthropicGenerator) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}

	resp, err := g.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       g.model,
		MaxTokens:   maxTokens,
		System:      req.SystemInstruction,
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: &req.Temperature,
	})
	if err != nil {
		return GenerateResult{}, err
	}

	resp.Usage.LogCost(g.model, "synthesis")

	return GenerateResult{
		Text: resp.Text,
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			Cost:         resp.Usage.EstimateCost(g.model),
		},
	}, nil
}
