package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/recollect/recollect/internal/llm"
	"github.com/recollect/recollect/internal/storage"
	"github.com/recollect/recollect/pkg/types"
)

// excerptLimit is the per-candidate character budget in the prompt context.
// Summaries usually fit whole; raw content is cut to this prefix so a handful
// of long articles cannot crowd the context window.
const excerptLimit = 500

// Answerer runs retrieval-augmented chat over the journal.
type Answerer struct {
	retriever *Retriever
	generator llm.Generator
}

// NewAnswerer creates a RAG orchestrator.
func NewAnswerer(retriever *Retriever, generator llm.Generator) *Answerer {
	return &Answerer{retriever: retriever, generator: generator}
}

// Answer retrieves context for the query and generates a grounded reply.
// With no candidates it returns the fixed no-context reply, zero citations,
// and performs no generation call. Citations come back in the order their
// context entries appeared in the prompt.
func (a *Answerer) Answer(ctx context.Context, query string, history []llm.Message, opts storage.NearestOptions) (string, []types.Citation, error) {
	candidates, err := a.retriever.Retrieve(ctx, query, opts)
	if err != nil {
		return "", nil, err
	}

	if len(candidates) == 0 {
		return llm.NoContextAnswer, []types.Citation{}, nil
	}

	contextBlock, citations := buildContext(candidates)

	answer, err := a.generator.Generate(ctx, llm.RAGSystemPrompt(contextBlock), query, history)
	if err != nil {
		return "", nil, fmt.Errorf("chat generation: %w", err)
	}
	return answer, citations, nil
}

// buildContext formats the retrieved candidates into the prompt context block
// and the matching citation list.
func buildContext(candidates []types.RetrievalCandidate) (string, []types.Citation) {
	var b strings.Builder
	citations := make([]types.Citation, 0, len(candidates))

	for i, candidate := range candidates {
		event := candidate.Event

		text := event.Summary
		if text == "" {
			text = event.Content
		}

		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] (%s) %s\n%s", i+1, event.SourceType, displayTitle(event), excerpt(text))

		citations = append(citations, types.Citation{
			EventID:    event.ID,
			Title:      event.Title,
			SourceType: event.SourceType,
			Distance:   candidate.Distance,
		})
	}

	return b.String(), citations
}

func displayTitle(event *types.Event) string {
	if event.Title != "" {
		return event.Title
	}
	return "Untitled"
}

// excerpt cuts text to the per-candidate budget, counting runes so
// multi-byte text is never split mid-character.
func excerpt(text string) string {
	if len(text) <= excerptLimit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= excerptLimit {
		return text
	}
	return string(runes[:excerptLimit])
}
