package controllers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ordermesh/ordermesh-backend/api/middleware"
	"github.com/ordermesh/ordermesh-backend/api/responses"
	"github.com/ordermesh/ordermesh-backend/internal/fanout"
	"github.com/ordermesh/ordermesh-backend/pkg/config"
	pkgerrors "github.com/ordermesh/ordermesh-backend/pkg/errors"
	"github.com/ordermesh/ordermesh-backend/pkg/logger"
)

// Websocket upgrades the request and subscribes the client to its own user
// stream plus, optionally, one order stream via the order_id query parameter.
func Websocket(hub *fanout.Hub, cfg config.FanoutConfig, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserIDFromContext(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"))
			return
		}

		keys := []string{fanout.UserKey(userID.String())}
		if raw := r.URL.Query().Get("order_id"); raw != "" {
			orderID, err := uuid.Parse(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order id"))
				return
			}
			keys = append(keys, fanout.OrderKey(orderID.String()))
		}

		conn, err := fanout.Upgrade(w, r, hub, cfg, logg, keys...)
		if err != nil {
			// Upgrade already wrote the handshake failure response.
			if logg != nil {
				logg.Warn(logg.WithField(r.Context(), "error", err.Error()), "websocket upgrade failed")
			}
			return
		}

		conn.Serve(r.Context())
	}
}
