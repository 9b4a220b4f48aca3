package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"notifier/internal/misc"
	"notifier/internal/webhook"
)

// Webhook verifies and parses a LINE webhook request and runs every event
// through the dispatcher. Per-event failures never change the 200 response;
// only signature and payload errors do.
func Webhook(parser webhook.RequestParser, dispatcher *webhook.Dispatcher, verboseRequest bool, log zerolog.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if verboseRequest {
			dumpRequest(ctx, log)
		}

		events, err := webhook.Parse(parser, ctx.Request)
		var authErr *webhook.AuthenticationError
		var payloadErr *webhook.MalformedPayloadError
		switch {
		case errors.As(err, &authErr):
			log.Warn().Err(err).Msg("webhook rejected")
			misc.ReturnStandardError(ctx, http.StatusUnauthorized, authErr.Reason)
			return
		case errors.As(err, &payloadErr):
			log.Warn().Err(err).Msg("webhook rejected")
			misc.ReturnStandardError(ctx, http.StatusBadRequest, "cannot parse webhook events")
			return
		case err != nil:
			misc.ReturnStandardError(ctx, http.StatusInternalServerError, err.Error())
			return
		}
		log.Debug().Interface("events", events).Msg("line events received")

		results := dispatcher.Dispatch(ctx.Request.Context(), events)
		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		log.Debug().Int("events", len(events)).Int("failed", failed).Msg("webhook dispatched")
		ctx.String(http.StatusOK, "OK")
	}
}

// dumpRequest logs the raw webhook request and puts the body back for parsing.
func dumpRequest(ctx *gin.Context, log zerolog.Logger) {
	body, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		log.Warn().Err(err).Msg("cannot read webhook body")
		return
	}
	ctx.Request.Body = io.NopCloser(bytes.NewReader(body))
	log.Debug().
		Str("signature", ctx.GetHeader(webhook.SignatureHeader)).
		Bytes("body", body).
		Msg("webhook request received")
}
