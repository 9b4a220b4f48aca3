package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"notifier/internal/external"
	"notifier/internal/misc"
)

// NotiRequest is the JSON form of a broadcast body.
type NotiRequest struct {
	Text string `mapstructure:"text"`
}

// Noti broadcasts the request text to every chat subscribed to the :token path
// parameter. Without a token it answers 400 and does nothing else; otherwise it
// answers 200 once delivery was attempted, whatever the outcome.
func Noti(broadcaster *external.Broadcaster, log zerolog.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := ctx.Param("token")
		var text string
		if token != "" {
			body, err := io.ReadAll(ctx.Request.Body)
			if err != nil {
				misc.ReturnStandardError(ctx, http.StatusBadRequest, "cannot read request body")
				return
			}
			text = notificationText(body, log)
		}

		outcome, err := broadcaster.Notify(ctx.Request.Context(), token, text)
		if errors.Is(err, external.ErrNoToken) {
			misc.ReturnStandardError(ctx, http.StatusBadRequest, "no token")
			return
		}
		if err != nil {
			// the lookup failure is already logged by the broadcaster
			ctx.String(http.StatusOK, "OK")
			return
		}
		log.Info().
			Str("token", outcome.Token).
			Int("chats", len(outcome.ChatIDs)).
			Int("failed", outcome.Failed()).
			Msg("broadcast finished")
		ctx.String(http.StatusOK, "OK")
	}
}

// notificationText accepts {"text": "..."} or the raw body as text.
func notificationText(body []byte, log zerolog.Logger) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed[0] != '{' {
		return string(trimmed)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		log.Warn().Err(err).Msg("invalid JSON body, using it as raw text")
		return string(trimmed)
	}
	request := NotiRequest{}
	// senders post numbers and booleans as text too, e.g. {"text": 42}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &request,
	})
	if err != nil {
		log.Error().Err(err).Msg("cannot build notification decoder")
		return ""
	}
	if err := decoder.Decode(payload); err != nil {
		log.Warn().Err(err).Msg("cannot decode notification body")
		return ""
	}
	return request.Text
}
