package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ordermesh/ordermesh-backend/api/controllers"
	"github.com/ordermesh/ordermesh-backend/api/middleware"
	"github.com/ordermesh/ordermesh-backend/internal/fanout"
	ordersvc "github.com/ordermesh/ordermesh-backend/internal/orders"
	paymentsvc "github.com/ordermesh/ordermesh-backend/internal/payments"
	"github.com/ordermesh/ordermesh-backend/pkg/config"
	"github.com/ordermesh/ordermesh-backend/pkg/inbox"
	"github.com/ordermesh/ordermesh-backend/pkg/logger"
	"github.com/ordermesh/ordermesh-backend/pkg/outbox"
)

// Checks are the dependency probes the readiness endpoint runs.
type Checks map[string]controllers.Pinger

func baseRouter(cfg *config.Config, logg *logger.Logger, registry *prometheus.Registry, checks Checks) chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, checks))
	})

	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	return r
}

// NewOrdersRouter wires the orders API surface.
func NewOrdersRouter(
	cfg *config.Config,
	logg *logger.Logger,
	registry *prometheus.Registry,
	checks Checks,
	ordersService ordersvc.Service,
	outboxRepo *outbox.Repository,
	outboxDLQ *outbox.DLQRepository,
	inboxDLQ *inbox.DLQRepository,
) http.Handler {
	r := baseRouter(cfg, logg, registry, checks)

	r.Route("/api/orders", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Post("/", controllers.OrderCreate(ordersService, logg))
		r.Get("/", controllers.OrderList(ordersService, logg))
		r.Get("/{orderID}", controllers.OrderGet(ordersService, logg))
	})

	mountAdmin(r, cfg, logg, outboxRepo, outboxDLQ, inboxDLQ)
	return r
}

// NewPaymentsRouter wires the payments API surface.
func NewPaymentsRouter(
	cfg *config.Config,
	logg *logger.Logger,
	registry *prometheus.Registry,
	checks Checks,
	paymentsService paymentsvc.Service,
	outboxRepo *outbox.Repository,
	outboxDLQ *outbox.DLQRepository,
	inboxDLQ *inbox.DLQRepository,
) http.Handler {
	r := baseRouter(cfg, logg, registry, checks)

	r.Route("/api/accounts", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Post("/", controllers.AccountCreate(paymentsService, logg))
		r.Get("/me", controllers.AccountGet(paymentsService, logg))
		r.Post("/{accountID}/deposit", controllers.AccountDeposit(paymentsService, logg))
	})

	mountAdmin(r, cfg, logg, outboxRepo, outboxDLQ, inboxDLQ)
	return r
}

// NewGatewayRouter wires the websocket notification gateway.
func NewGatewayRouter(
	cfg *config.Config,
	logg *logger.Logger,
	registry *prometheus.Registry,
	checks Checks,
	hub *fanout.Hub,
) http.Handler {
	r := baseRouter(cfg, logg, registry, checks)

	r.With(middleware.Auth(cfg.JWT, logg)).Get("/ws", controllers.Websocket(hub, cfg.Fanout, logg))
	return r
}

func mountAdmin(
	r chi.Router,
	cfg *config.Config,
	logg *logger.Logger,
	outboxRepo *outbox.Repository,
	outboxDLQ *outbox.DLQRepository,
	inboxDLQ *inbox.DLQRepository,
) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		if outboxRepo != nil {
			r.Post("/outbox/{eventID}/requeue", controllers.OutboxRequeue(outboxRepo, logg))
		}
		if outboxDLQ != nil {
			r.Get("/outbox/dlq", controllers.OutboxDLQList(outboxDLQ, logg))
		}
		if inboxDLQ != nil {
			r.Get("/inbox/dlq", controllers.InboxDLQList(inboxDLQ, cfg.Inbox.ConsumerName, logg))
		}
	})
}
