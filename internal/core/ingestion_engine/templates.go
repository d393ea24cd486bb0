package ingestion_engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
)

const templateSystemPrompt = `You extract a single field from a document.
Answer only from the passages. Reply with the value alone, or an empty line if the passages do not contain it.`

// TemplateRunner re-applies a workspace's saved field bundles to a document.
type TemplateRunner struct {
	db   core.DbClient
	sif  core.EmbeddingProvider
	llm  core.LLMProvider
	topK int
}

func NewTemplateRunner(db core.DbClient, sif core.EmbeddingProvider, llm core.LLMProvider) *TemplateRunner {
	return &TemplateRunner{db: db, sif: sif, llm: llm, topK: 5}
}

// Run applies every field of every bundle. Per-field failures are logged and
// skipped; the count of stored answers is returned.
func (r *TemplateRunner) Run(ctx context.Context, doc *models.Document) int {
	bundles, err := r.db.ListFieldBundles(ctx, doc.WorkspaceID)
	if err != nil {
		log.Printf("Templates: list bundles of %s: %v", doc.WorkspaceID, err)
		return 0
	}
	applied := 0
	for _, b := range bundles {
		fields, err := r.db.ListFields(ctx, b.ID)
		if err != nil {
			log.Printf("Templates: list fields of bundle %s: %v", b.ID, err)
			continue
		}
		for _, f := range fields {
			if err := r.apply(ctx, doc, f); err != nil {
				log.Printf("Templates: field %q of bundle %s on doc %s (ws %s) failed: %v", f.Name, b.ID, doc.ID, doc.WorkspaceID, err)
				continue
			}
			applied++
		}
	}
	return applied
}

func (r *TemplateRunner) apply(ctx context.Context, doc *models.Document, f models.Field) error {
	question := f.Question
	if strings.TrimSpace(question) == "" {
		question = f.Name
	}
	vecs, err := r.sif.EmbedTexts(ctx, []string{question})
	if err != nil {
		return fmt.Errorf("embed question: %w", err)
	}
	if len(vecs) == 0 {
		return fmt.Errorf("embed question: no vector")
	}
	passages, err := r.db.SearchDocumentBlocks(ctx, doc.ID, vecs[0], r.topK)
	if err != nil {
		return fmt.Errorf("search blocks: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Field: %s\nQuestion: %s\n\nPassages:\n", f.Name, question)
	for _, p := range passages {
		text := p.RawText
		if text == "" {
			text = p.MatchText
		}
		fmt.Fprintf(&b, "- %s\n", text)
	}
	answer, err := r.llm.Generate(ctx, templateSystemPrompt, b.String())
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	return r.db.AddDocumentAttribute(ctx, doc.ID, f.Name, answer)
}
