// Package domain defines the entity resolution contract: best-effort mapping
// of free-text company and model tags to directory rows.
package domain

import (
	"context"

	modeldomain "github.com/smallbiznis/jupiter/internal/model/domain"
	userdomain "github.com/smallbiznis/jupiter/internal/user/domain"
)

// Result carries the best-effort matches. Either field may be nil; Notes
// records which strategies ran and missed so failures are explainable.
type Result struct {
	User  *userdomain.User
	Model *modeldomain.AIModel
	Notes []string
}

type Service interface {
	Resolve(ctx context.Context, companyTag, modelTag string) (Result, error)
}
