package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/markdave123-py/docindex/internal/core"
)

// Gemini accepts at most 100 contents per batch embed request.
const geminiBatch = 100

// GeminiEncoder is a passage encoder backed by a Gemini embedding model.
// It stands in for the DPR model server and follows the same contract:
// lowercased input, L2-normalized 768-dim output.
type GeminiEncoder struct {
	client    *genai.Client
	modelName string
}

func NewGeminiEncoder(ctx context.Context, apiKey, modelName string) (*GeminiEncoder, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "text-embedding-004"
	}
	return &GeminiEncoder{client: cl, modelName: modelName}, nil
}

func (g *GeminiEncoder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// EmbedTexts batches texts through BatchEmbedContents.
func (g *GeminiEncoder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	em := g.client.EmbeddingModel(g.modelName)
	em.TaskType = genai.TaskTypeRetrievalDocument

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += geminiBatch {
		end := min(start+geminiBatch, len(texts))

		batch := em.NewBatch()
		for _, t := range texts[start:end] {
			batch.AddContent(genai.Text(strings.ToLower(t)))
		}

		resp, err := em.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("gemini batch embed: %w: %v", core.ErrTransient, err)
		}
		if len(resp.Embeddings) != end-start {
			return nil, fmt.Errorf("gemini batch embed: got %d vectors for %d texts", len(resp.Embeddings), end-start)
		}

		for _, e := range resp.Embeddings {
			if len(e.Values) != DPRDims {
				return nil, fmt.Errorf("gemini model %s returns %d dims, want %d", g.modelName, len(e.Values), DPRDims)
			}
			Normalize(e.Values)
			out = append(out, e.Values)
		}
	}
	return out, nil
}

var _ core.EmbeddingProvider = (*GeminiEncoder)(nil)
