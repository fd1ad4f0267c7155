package domain

import "context"

// LLMProvider abstracts the decision collaborator: prompt in, text out.
// The loop treats it as opaque; transport failures surface as
// ErrCollaboratorUnavailable from the decision step.
type LLMProvider interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// Embedder produces a vector embedding for a piece of text. Used by the CVE
// retrieval index to embed queries the same way the stored records were.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}
