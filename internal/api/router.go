package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"notifier/internal/external"
	"notifier/internal/middleware"
	"notifier/internal/webhook"
)

// Options carries everything the HTTP surface is wired to.
type Options struct {
	Parser         webhook.RequestParser
	Dispatcher     *webhook.Dispatcher
	Broadcaster    *external.Broadcaster
	VerboseRequest bool
	Log            zerolog.Logger
	StartTime      time.Time
}

// NewRouter registers the webhook, broadcast and uptime routes.
func NewRouter(opts Options) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(opts.Log))

	router.GET("/uptime", Uptime(opts.StartTime))
	router.POST("/webhook", Webhook(opts.Parser, opts.Dispatcher, opts.VerboseRequest, opts.Log))

	noti := Noti(opts.Broadcaster, opts.Log)
	router.POST("/noti", noti)
	router.POST("/noti/", noti)
	router.POST("/noti/:token", noti)

	return router
}

// Uptime reports how long the server has been running.
func Uptime(start time.Time) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"meta": gin.H{"uptime": time.Since(start).String()},
		})
	}
}
