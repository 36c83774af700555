package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinic-chat/broker"
	"clinic-chat/config"
	"clinic-chat/controllers"
	"clinic-chat/models"
	"clinic-chat/routes"
	"clinic-chat/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "clinic-chat",
		Short:         "WhatsApp chat ingestion and realtime service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	envFile := root.PersistentFlags().String("env-file", ".env", "dotenv file to load before reading the environment")

	runServer := func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(*envFile)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	}
	root.RunE = runServer
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE:  runServer,
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			config.InitLogger(cfg.Log)
			db, err := config.InitDB(cfg.Database)
			if err != nil {
				return err
			}
			if err := models.Migrate(db); err != nil {
				return err
			}
			log.Info().Msg("schema up to date")
			return nil
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("clinic-chat failed")
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	config.InitLogger(cfg.Log)
	if cfg.Server.GinMode != "" {
		gin.SetMode(cfg.Server.GinMode)
	}

	db, err := config.InitDB(cfg.Database)
	if err != nil {
		return err
	}
	if err := models.Migrate(db); err != nil {
		return err
	}

	var storage services.ObjectStorage
	if cfg.Storage.Enabled() {
		minioStorage, err := services.NewMinioStorage(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		storage = minioStorage
	} else {
		log.Warn().Msg("S3 storage not configured, media will not be stored")
	}

	hub := services.NewHub()
	sinks := services.FanOut{services.NewSocketSink(hub)}
	if cfg.Broker.URL != "" {
		pub, err := broker.NewPublisher(cfg.Broker.URL, cfg.Broker.Exchange)
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, broker.NewEventSink(pub))
		log.Info().Str("exchange", cfg.Broker.Exchange).Msg("publishing chat events to AMQP")
	}
	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET is empty, the chat API will reject every request")
	}

	conversations := services.NewConversationService(db)
	messages := services.NewMessageService(db)
	media := services.NewMediaService(storage, cfg.Media, cfg.WAHA)
	ingestor := services.NewIngestor(conversations, messages, media, sinks, hub)
	waha := services.NewWAHAClient(cfg.WAHA)
	outbound := services.NewOutboundService(conversations, messages, media, waha, sinks, cfg.Media.SignedURLTTL)

	r := routes.RegisterRoutes(routes.Handlers{
		Webhooks:      controllers.NewWebhookController(ingestor, cfg.Media.MaxBytes),
		Conversations: controllers.NewConversationController(conversations, sinks, waha),
		Messages:      controllers.NewMessageController(conversations, messages, media, outbound, cfg.Media.SignedURLTTL),
		Hub:           hub,
		JWTSecret:     cfg.Auth.JWTSecret,
		CORSOrigins:   cfg.Server.CORSOrigins,
	})

	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
