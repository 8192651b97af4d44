package webhook

import (
	"github.com/nairaflow/reconciler/internal/config"
	"github.com/nairaflow/reconciler/internal/webhook/domain"
	"github.com/nairaflow/reconciler/internal/webhook/providers"
	"github.com/nairaflow/reconciler/internal/webhook/providers/circle"
	"github.com/nairaflow/reconciler/internal/webhook/providers/paystack"
	"github.com/nairaflow/reconciler/internal/webhook/providers/resend"
	"github.com/nairaflow/reconciler/internal/webhook/providers/vtpass"
	"github.com/nairaflow/reconciler/internal/webhook/repository"
	"github.com/nairaflow/reconciler/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.service",
	fx.Provide(NewRegistry),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(service.ProvideService),
	fx.Provide(service.ProvideProcessor),
)

func NewRegistry(cfg config.Config) (*providers.Registry, error) {
	configs := map[string]domain.AdapterConfig{
		domain.ProviderPaystack: {Provider: domain.ProviderPaystack, Secret: cfg.PaystackWebhookSecret},
		domain.ProviderCircle:   {Provider: domain.ProviderCircle, Secret: cfg.CircleWebhookSecret},
		domain.ProviderVTPass:   {Provider: domain.ProviderVTPass, Secret: cfg.VTPassWebhookSecret},
		domain.ProviderResend:   {Provider: domain.ProviderResend, Secret: cfg.ResendWebhookSecret},
	}
	return providers.NewRegistry(configs,
		paystack.NewFactory(),
		circle.NewFactory(),
		vtpass.NewFactory(),
		resend.NewFactory(),
	)
}
