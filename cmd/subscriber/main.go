// Command subscriber runs a reference subscriber endpoint. It accepts every
// signed offer by asking for IMAGE_URL to be processed and logs the signed
// results and errors it receives.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/api/middleware"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/crypto"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/subscriber"
)

func main() {
	_ = godotenv.Load()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	port := getEnv("SUBSCRIBER_PORT", "8100")
	imageURL := os.Getenv("IMAGE_URL")

	sub := subscriber.New(logger, func(o models.Offer) *models.WorkRequest {
		if imageURL == "" {
			return nil
		}
		return &models.WorkRequest{
			Type:      models.TypeReceiptRequest,
			ImageURL:  imageURL,
			RequestID: crypto.NewUUIDv7().String(),
		}
	})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)
	r.Mount("/", sub.Routes())

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info().Str("port", port).Bool("requests_work", imageURL != "").Msg("starting subscriber")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	logger.Info().
		Int("offers", len(sub.Offers())).
		Int("results", len(sub.Results())).
		Int("errors", len(sub.Errors())).
		Msg("subscriber stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
