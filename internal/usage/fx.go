package usage

import (
	"github.com/smallbiznis/jupiter/internal/usage/repository"
	"github.com/smallbiznis/jupiter/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage",
	fx.Provide(
		service.NewService,
		repository.ProvidePipeline,
	),
)
