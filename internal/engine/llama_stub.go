//go:build !llama

package engine

import (
	"context"

	"runnerd/internal/apperr"
)

// This file provides a no-CGO stub for the llama engine, compiled when the
// 'llama' build tag is NOT set. Default builds and CI stay CGO-free and
// fail fast instead of mocking inference.

type llamaEngine struct{}

// NewLlamaEngine returns a stub that refuses to load models without the
// 'llama' build tag.
func NewLlamaEngine() Engine { return &llamaEngine{} }

func (e *llamaEngine) Load(ctx context.Context, path string, params LoadParams) (Instance, error) {
	return nil, apperr.Unavailable("llama support not built (missing 'llama' build tag)")
}
