package llm

import "fmt"

// SummarySystemPrompt instructs the model to produce the short summary
// stored alongside each event during enrichment.
const SummarySystemPrompt = "Summarize the following text in 3-5 sentences. " +
	"Focus on key facts, decisions, and entities."

// NoContextAnswer is the deterministic reply returned when retrieval finds
// no relevant context. It matches the refusal sentence the RAG prompt
// instructs the model to use, so callers see consistent wording either way.
const NoContextAnswer = "I do not recall that from your saved history."

// RAGSystemPrompt builds the answer-grounding system prompt for chat.
// The model is told to answer strictly from the supplied context and to
// state explicitly when the answer is not contained in it.
func RAGSystemPrompt(contextBlock string) string {
	return fmt.Sprintf(
		"You are a helpful personal memory assistant. "+
			"Answer the user's question based ONLY on the provided context from their saved history. "+
			"If the answer is not in the context, say %q."+
			"\n\n--- CONTEXT START ---\n%s\n--- CONTEXT END ---",
		NoContextAnswer, contextBlock)
}
