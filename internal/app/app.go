package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/clinicflow/relay/internal/eventlog"
	"github.com/clinicflow/relay/internal/httpapi"
	"github.com/clinicflow/relay/internal/notifications"
	"github.com/clinicflow/relay/internal/relay"
	"github.com/clinicflow/relay/internal/store"
	"github.com/clinicflow/relay/internal/stt"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type App struct {
	cfg      Config
	logger   zerolog.Logger
	db       *pgxpool.Pool
	store    *store.Store
	eventLog *eventlog.Logger
	relay    *relay.Relay
	apns     *notifications.APNsClient
}

// New wires the server. The database is optional: without DATABASE_URL the
// socket relay runs alone and the REST endpoints answer 503.
func New(cfg Config, logger zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	if cfg.DatabaseURL != "" {
		db, err := OpenDB(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.store = store.New(db)
		a.eventLog = eventlog.New(db, logger)
	} else {
		logger.Warn().Msg("DATABASE_URL not set, chat persistence and event log disabled")
	}

	provider, err := stt.NewProvider(stt.ProviderConfig{
		Name:          strings.ToLower(cfg.STTProvider),
		AWSRegion:     cfg.AWSRegion,
		DeepgramModel: cfg.DeepgramModel,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	apnsClient, err := notifications.NewAPNsClient(notifications.APNsConfig{
		KeyPath:    cfg.APNsKeyPath,
		KeyID:      cfg.APNsKeyID,
		TeamID:     cfg.APNsTeamID,
		BundleID:   cfg.APNsBundleID,
		Production: cfg.APNsProduction,
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("APNs client initialization failed, push disabled")
	}
	a.apns = apnsClient

	tcfg := relay.TranscriptionConfig{
		Provider: provider,
		Options: stt.Options{
			Language:   cfg.STTLanguage,
			SampleRate: cfg.STTSampleRate,
			Channels:   1,
		},
		Alerts: notifications.NewDiscord(cfg.DiscordWebhookURL, logger),
		Logger: logger,
	}
	if a.eventLog != nil {
		tcfg.Events = a.eventLog
	}
	a.relay = relay.New(tcfg)

	logger.Info().
		Str("stt_provider", provider.Name()).
		Str("language", cfg.STTLanguage).
		Bool("auth", cfg.JWTSecret != "").
		Bool("database", a.db != nil).
		Msg("app initialized")

	return a, nil
}

// OpenDB connects and pings the pool.
func OpenDB(databaseURL string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Relay exposes the connection registry for draining.
func (a *App) Relay() *relay.Relay { return a.relay }

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		JWTSecret:  a.cfg.JWTSecret,
		SocketPath: a.cfg.SocketPath,
		ReadLimit:  a.cfg.WSReadLimit,
		SendBuffer: a.cfg.WSSendBuffer,
		PingPeriod: a.cfg.WSPingPeriod,
	}

	// Typed nils must not reach the interfaces.
	var st httpapi.Store
	if a.store != nil {
		st = a.store
	}
	var pusher httpapi.Pusher
	if a.apns != nil {
		pusher = a.apns
	}
	return httpapi.NewRouter(routerCfg, a.logger, st, a.relay, pusher)
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
