package retry

import (
	"context"

	"github.com/nairaflow/reconciler/internal/config"
	"github.com/nairaflow/reconciler/internal/retry/repository"
	"github.com/nairaflow/reconciler/internal/retry/service"
	"github.com/nairaflow/reconciler/internal/retry/worker"
	"go.uber.org/fx"
)

var Module = fx.Module("retry",
	fx.Provide(config.NewRetryPolicyHolder),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(service.ProvideScheduler),
	fx.Provide(service.ProvideQueue),
	fx.Provide(worker.New),
	fx.Invoke(RunWorker),
)

func RunWorker(lc fx.Lifecycle, w *worker.Worker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go w.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
