package gemini

import (
	"context"
	"fmt"

	"github.com/EXCALOFRIO/FlowCode/internal/core/ports"
)

const searchSystemPrompt = "You are a research assistant. Answer the query " +
	"concisely with the most relevant, current facts you know. Plain text only."

// Searcher answers planning queries from the model's own knowledge. It
// stands in for a real web search backend behind the same port.
type Searcher struct {
	llm ports.LLM
}

func NewSearcher(llm ports.LLM) *Searcher {
	return &Searcher{llm: llm}
}

func (s *Searcher) Search(ctx context.Context, query string) (string, error) {
	answer, err := s.llm.Generate(ctx, ports.GenerateRequest{
		System:      searchSystemPrompt,
		Prompt:      query,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("search query failed: %w", err)
	}
	return answer, nil
}

var _ ports.Searcher = (*Searcher)(nil)
