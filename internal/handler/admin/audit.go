package admin

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/stellar-reserve-sponsor/internal/middleware"
)

// audit starts an info event recording which admin changed which key.
func audit(r *http.Request, action string, id uuid.UUID) *zerolog.Event {
	return hlog.FromRequest(r).Info().
		Str("admin", middleware.GetAdminEmail(r.Context())).
		Str("action", action).
		Str("api_key_id", id.String())
}
