package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("QUEUE_BACKEND", "postgres")

	cfg := LoadConfig()

	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "model_server", cfg.DPRProvider)
	assert.False(t, cfg.DPREnabled())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("USE_DPR", "true")
	t.Setenv("INDEX_DPR", "1")
	t.Setenv("NER_DICTIONARIES", "/dict/genes.tsv  /dict/drugs.tsv\n/dict/x.tsv")
	t.Setenv("WORKER_COUNT", "7")
	t.Setenv("MODEL_RPS", "2.5")
	t.Setenv("TIKA_OCR", "nope")

	cfg := LoadConfig()

	assert.True(t, cfg.DPREnabled())
	assert.Equal(t, []string{"/dict/genes.tsv", "/dict/drugs.tsv", "/dict/x.tsv"}, cfg.NERDictionaries)
	assert.Equal(t, 7, cfg.WorkerCount)
	assert.InDelta(t, 2.5, cfg.ModelRPS, 1e-9)
	assert.False(t, cfg.TikaOCR)
}
