package audit

import (
	"github.com/nairaflow/reconciler/internal/audit/repository"
	"github.com/nairaflow/reconciler/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
