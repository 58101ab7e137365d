package model

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/maestro-run/maestro/pkg/models"
)

// EchoAdapter is a self-contained adapter used when no external provider is
// reachable, and as the deterministic backend for replay verification. Its
// output is a pure function of the request, so deterministic mode holds by
// construction.
type EchoAdapter struct{}

// NewEchoAdapter creates the builtin adapter.
func NewEchoAdapter() *EchoAdapter { return &EchoAdapter{} }

// Name implements Adapter.
func (a *EchoAdapter) Name() string { return "echo" }

// Generate implements Adapter. In deterministic mode the output carries a
// stable digest of prompt and seed so repeated runs are byte-identical; in
// creative mode it simply reflects the prompt.
func (a *EchoAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	gen := req.Generation
	gen.Normalize()
	if gen.Mode == models.ModeDeterministic {
		var seed int64
		if gen.Seed != nil {
			seed = *gen.Seed
		}
		h := fnv.New64a()
		fmt.Fprintf(h, "%s|%d", req.Prompt, seed)
		return Response{
			Output:   fmt.Sprintf("%s [det:%x]", req.Prompt, h.Sum64()),
			Provider: a.Name(),
		}, nil
	}
	return Response{Output: req.Prompt, Provider: a.Name()}, nil
}
