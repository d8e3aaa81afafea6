package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/marketlane/api/internal/payments"
	"github.com/marketlane/api/internal/platform/config"
	"github.com/marketlane/api/internal/repositories"
	"github.com/marketlane/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Cart        services.CartService
	Orders      services.OrderService
	Payments    services.PaymentService
	Fulfillment services.FulfillmentService
	System      services.SystemService
}

// Deps carries collaborators that need credentials or external clients and are
// therefore constructed by the caller rather than from config alone.
type Deps struct {
	Providers *payments.Manager
	Events    services.OrderEventPublisher
	Logger    *zap.Logger
	Clock     func() time.Time
	Build     services.BuildInfo
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides the
// Firestore-backed registry, while tests can supply in-memory implementations.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Deps) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(cfg, reg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, deps Deps) (Services, error) {
	var svc Services

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	pricer, err := services.NewFixedPricingEngine(services.FixedPricingEngineDeps{
		Currency:              cfg.Pricing.Currency,
		FreeShippingThreshold: cfg.Pricing.FreeShippingThreshold,
		ShippingFlatFee:       cfg.Pricing.ShippingFlatFee,
		TaxRateBasisPoints:    int64(cfg.Pricing.TaxRateBasisPoints),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Carts:           reg.Carts(),
		Products:        reg.Products(),
		Pricer:          pricer,
		Clock:           clock,
		DefaultCurrency: cfg.Pricing.Currency,
		Logger:          eventLogger(deps.Logger, "cart"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cartSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:      reg.Orders(),
		Carts:       reg.Carts(),
		Products:    reg.Products(),
		Counters:    reg.Counters(),
		Pricer:      pricer,
		Events:      deps.Events,
		Clock:       clock,
		IDGenerator: orderIDGenerator,
		Logger:      eventLogger(deps.Logger, "orders"),
		Currency:    cfg.Pricing.Currency,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	if deps.Providers == nil {
		return Services{}, errors.New("payment provider manager is required")
	}
	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:    reg.Orders(),
		Providers: deps.Providers,
		Events:    deps.Events,
		Clock:     clock,
		Logger:    eventLogger(deps.Logger, "payments"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	fulfillmentSvc, err := services.NewFulfillmentService(services.FulfillmentServiceDeps{
		Orders: reg.Orders(),
		Events: deps.Events,
		Clock:  clock,
		Logger: eventLogger(deps.Logger, "fulfillment"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build fulfillment service: %w", err)
	}
	svc.Fulfillment = fulfillmentSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Counters:         reg.Counters(),
			Clock:            clock,
			Build:            deps.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}

func orderIDGenerator() string {
	return "ord_" + ulid.Make().String()
}

// eventLogger adapts a zap logger to the service-level logging contract.
func eventLogger(base *zap.Logger, name string) func(context.Context, string, map[string]any) {
	if base == nil {
		return func(context.Context, string, map[string]any) {}
	}
	scoped := base.Named(name)
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		scoped.Debug(event, zFields...)
	}
}
