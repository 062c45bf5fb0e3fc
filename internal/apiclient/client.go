package apiclient

import (
	"context"

	"github.com/rendis/quill/pkg/schema"
)

// Client calls one of the three external API families: planning (stages,
// steps, behaviors), generating (action batches), and reflecting (behavior
// reflections). Responses are validated structurally before being returned.
type Client interface {
	Invoke(ctx context.Context, kind schema.APIKind, req *schema.APIRequest) (*schema.Response, error)
}

// Endpoints maps each API family to a URL.
type Endpoints struct {
	Planning   string `json:"planning"`
	Generating string `json:"generating"`
	Reflecting string `json:"reflecting"`
}

// URL returns the endpoint for the given API kind, or "" if the kind has no
// endpoint (APINone or unknown).
func (e Endpoints) URL(kind schema.APIKind) string {
	switch kind {
	case schema.APIPlanning:
		return e.Planning
	case schema.APIGenerating:
		return e.Generating
	case schema.APIReflecting:
		return e.Reflecting
	}
	return ""
}
