package main

import (
	"net/http"
	"os"
	"time"

	"github.com/cgonzalosoriano/compraElectrica-sub000/pkg/db"
	"github.com/cgonzalosoriano/compraElectrica-sub000/services/negotiation/internal/docsclient"
	"github.com/cgonzalosoriano/compraElectrica-sub000/services/negotiation/internal/engine"
	"github.com/cgonzalosoriano/compraElectrica-sub000/services/negotiation/internal/notify"
	"github.com/cgonzalosoriano/compraElectrica-sub000/services/negotiation/internal/signature"
	"github.com/cgonzalosoriano/compraElectrica-sub000/services/negotiation/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

func main() {
	_ = godotenv.Load()
	cfg := loadServerConfig()
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "negotiation").Logger()

	pool := db.MustConnect()
	st := store.New(pool)
	notifier := notify.New(cfg.NotifyBaseURL)
	docs := docsclient.New(cfg.DocsBaseURL)

	srv := &server{
		store:   st,
		eng:     engine.New(st, notifier, logger),
		tracker: signature.New(st, docs, notifier, logger),
		docs:    docs,
		limiter: newFixedWindowLimiter(cfg.UploadRateLimitPerMinute, time.Minute),
		cfg:     cfg,
		logger:  logger,
	}

	r := chi.NewRouter()
	srv.routes(r)

	logger.Info().Str("port", cfg.Port).Msg("negotiation service listening")
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
