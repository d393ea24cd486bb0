package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/set"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/markdave123-py/docindex/internal/core"
)

// GeminiLLM answers extraction-template questions.
type GeminiLLM struct {
	client    *genai.Client
	modelName string
}

func NewGeminiLLM(ctx context.Context, apiKey, modelName string) (*GeminiLLM, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &GeminiLLM{client: cl, modelName: modelName}, nil
}

func (g *GeminiLLM) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Generate answers one extraction question at temperature 0. The reply is
// reduced to the bare field value; "" means the passages lack it.
func (g *GeminiLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m := g.client.GenerativeModel(g.modelName)
	m.SetTemperature(0)
	m.SetCandidateCount(1)
	m.SetMaxOutputTokens(512)
	if systemPrompt != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(systemPrompt)},
		}
	}

	resp, err := m.GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w: %v", core.ErrTransient, err)
	}
	text, err := answerText(resp)
	if err != nil {
		return "", err
	}
	return cleanAnswer(text), nil
}

// answerText joins the text parts of the first candidate. A blocked prompt
// or a candidate stopped by the safety filter is an error.
func answerText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", nil
	}
	if pf := resp.PromptFeedback; pf != nil && pf.BlockReason != genai.BlockReasonUnspecified {
		return "", fmt.Errorf("gemini: prompt blocked: %v", pf.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", nil
	}
	c := resp.Candidates[0]
	if c.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("gemini: answer blocked by safety filter")
	}
	if c.Content == nil {
		return "", nil
	}
	var b strings.Builder
	for _, p := range c.Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}

var answerLabels = []string{"answer:", "value:"}

var missingAnswers = func() set.Interface {
	s := set.New(set.NonThreadSafe)
	s.Add("", "n/a", "na", "none", "null", "not found", "unknown", "not available", "not mentioned")
	return s
}()

// cleanAnswer strips code fences, a leading label and wrapping quotes from a
// model reply, and maps "not found" style replies to "".
func cleanAnswer(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.Contains(s[:nl], " ") {
			s = s[nl+1:]
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
	}
	lower := strings.ToLower(s)
	for _, l := range answerLabels {
		if strings.HasPrefix(lower, l) {
			s = strings.TrimSpace(s[len(l):])
			break
		}
	}
	for len(s) >= 2 && ((s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'')) {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if missingAnswers.Has(strings.TrimRight(strings.ToLower(s), ".")) {
		return ""
	}
	return s
}

var _ core.LLMProvider = (*GeminiLLM)(nil)
