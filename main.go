package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"notifier/internal/api"
	"notifier/internal/config"
	"notifier/internal/external"
	"notifier/internal/logging"
	"notifier/internal/store"
	"notifier/internal/webhook"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "notifier",
	Short:         "LINE bot that forwards token notifications to subscribed chats",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: notifier.yaml in ., $HOME or /etc)")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(notiCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "notifier: %+v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and broadcast HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func notiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "noti <token> <text...>",
		Short: "Send a notification to every chat subscribed to token",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.store.Close()

			outcome, err := a.broadcaster.Notify(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent to %d chats, %d failed\n", len(outcome.ChatIDs), outcome.Failed())
			return nil
		},
	}
}

// app holds the components shared by the commands.
type app struct {
	cfg         *config.Config
	log         zerolog.Logger
	store       *store.Store
	messenger   *external.LineMessenger
	parser      webhook.RequestParser
	broadcaster *external.Broadcaster
}

func setup() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.Log)
	if cfg.Debug {
		log = log.Level(zerolog.DebugLevel)
	}

	s, err := store.Open(cfg.Database, cfg.Debug)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("driver", cfg.Database.Driver).Msg("database connected")

	client, err := external.NewLineClient(cfg.Line)
	if err != nil {
		s.Close()
		return nil, err
	}
	messenger := external.NewLineMessenger(client, log)
	return &app{
		cfg:         cfg,
		log:         log,
		store:       s,
		messenger:   messenger,
		parser:      client,
		broadcaster: external.NewBroadcaster(s, messenger, log),
	}, nil
}

func serve() error {
	startTime := time.Now()
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.store.Close()

	// set debug mode for gin
	if a.cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = logging.Writer(a.log, zerolog.DebugLevel)
	gin.DefaultErrorWriter = logging.Writer(a.log, zerolog.ErrorLevel)

	router := api.NewRouter(api.Options{
		Parser:         a.parser,
		Dispatcher:     webhook.New(a.store, a.messenger, a.cfg.Verbose.Error, a.log),
		Broadcaster:    a.broadcaster,
		VerboseRequest: a.cfg.Verbose.Request,
		Log:            a.log,
		StartTime:      startTime,
	})

	c := cron.New()
	if _, err := external.ScheduleStats(c, a.cfg.Cron.Stats, a.store, a.log); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	srv := &http.Server{
		Addr:         a.cfg.HTTP.Listen,
		Handler:      router,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("listen", srv.Addr).Msg("server started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Wrap(srv.Shutdown(shutdownCtx), "shutdown")
}
