package core

import (
	"context"

	"github.com/markdave123-py/docindex/internal/models"
)

// EmbeddingProvider encodes a batch of texts, one vector per input.
// Both the sentence (SIF) and passage (DPR) encoders satisfy it.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// EntityRecognizer tags each text with (mention, [types]) pairs.
type EntityRecognizer interface {
	Tag(ctx context.Context, texts []string, domain string) ([][]models.Entity, error)
}

type LLMProvider interface {
	Generate(ctx context.Context, systemPrompt string, userPrompt string) (string, error)
}

// LayoutDetector runs visual layout inference over a document's word features.
type LayoutDetector interface {
	Detect(ctx context.Context, docID string, features []byte) ([]models.BBox, error)
}
