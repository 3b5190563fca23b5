package ports

import (
	"context"
	"encoding/json"
)

// FunctionDeclaration describes one callable function offered to the model.
// Parameters is a JSON schema for the function's argument object.
type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// GenerateRequest is one prompt sent to the language model.
type GenerateRequest struct {
	System      string
	Prompt      string
	Temperature float64

	// Schema, when set, asks the model for a JSON response conforming to
	// the given JSON schema instead of free text.
	Schema json.RawMessage

	// Functions, when set, are offered to the model as callable tools.
	// ForceFunction names the declared function the model must call; its
	// arguments are returned as the response text.
	Functions     []FunctionDeclaration
	ForceFunction string
}

// LLM defines the language-model operations the planner depends on.
type LLM interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Searcher augments planning with external information.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}
