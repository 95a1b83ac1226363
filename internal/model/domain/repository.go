package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Directory is the read-only lookup surface the pipeline consumes.
type Directory interface {
	GetModel(ctx context.Context, id snowflake.ID) (*AIModel, error)
	// FindModelsLike returns active models whose identifier or name contains
	// the text, or whose identifier/name is contained by the text.
	// Matching is case-insensitive. Results are ordered by id.
	FindModelsLike(ctx context.Context, text string) ([]AIModel, error)
}

var (
	ErrModelNotFound = errors.New("model_not_found")
	ErrInvalidModel  = errors.New("invalid_model")
)
