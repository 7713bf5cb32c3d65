// Package agentservice wires the agent from configuration: stores, crypto,
// relay client, logging and metrics. The cmd binary stays thin and calls
// Build plus Run.
package agentservice

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"campus-chat/go-e2ee/internal/agent"
	"campus-chat/go-e2ee/internal/config"
	"campus-chat/go-e2ee/internal/conversations"
	"campus-chat/go-e2ee/internal/keystore"
	"campus-chat/go-e2ee/internal/msgstore"
	"campus-chat/go-e2ee/internal/notify"
	"campus-chat/go-e2ee/internal/platform/metrics"
	"campus-chat/go-e2ee/internal/platform/privacylog"
	"campus-chat/go-e2ee/internal/platform/ratelimiter"
	"campus-chat/go-e2ee/internal/provision"
	"campus-chat/go-e2ee/internal/relay"
	"campus-chat/go-e2ee/internal/session"
)

var ErrMissingIdentityConfig = errors.New("accountId and deviceId must be configured")

// Service is the built agent plus the pieces the binary runs alongside it.
type Service struct {
	Agent   *agent.Agent
	Config  config.Config
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// Build assembles the whole device service. The credential store passphrase
// comes only from CC_STORE_PASSPHRASE; it never appears in config files.
func Build(cfg config.Config) (*Service, error) {
	if cfg.AccountID == "" || cfg.DeviceID == "" {
		return nil, ErrMissingIdentityConfig
	}
	passphrase := os.Getenv("CC_STORE_PASSPHRASE")
	if passphrase == "" {
		return nil, errors.New("CC_STORE_PASSPHRASE is required")
	}

	log := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, nil)))
	slog.SetDefault(log)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	kv, err := keystore.OpenFileKV(filepath.Join(cfg.DataDir, "keys.enc"), passphrase)
	if err != nil {
		return nil, err
	}
	keys := keystore.NewDeviceStore(kv, cfg.AccountID, cfg.DeviceID)

	bulk, err := msgstore.OpenFileBulkKV(filepath.Join(cfg.DataDir, "threads.json"))
	if err != nil {
		return nil, err
	}
	store, err := msgstore.Open(bulk, keys)
	if err != nil {
		return nil, err
	}

	hub, err := notify.NewHub(notify.NewFileCountStore(filepath.Join(cfg.DataDir, "unread.enc"), passphrase))
	if err != nil {
		return nil, err
	}

	client := relay.New(cfg.RelayBaseURL, &http.Client{Timeout: cfg.HTTPTimeout})
	m := metrics.New()

	a := agent.New(agent.Deps{
		AccountID:   cfg.AccountID,
		DeviceID:    cfg.DeviceID,
		Sessions:    session.NewManager(keys, session.TrustOnFirstUse{Keys: keys}, log),
		Store:       store,
		Hub:         hub,
		Aggregator:  conversations.NewAggregator(store, client, hub, log),
		Provisioner: provision.New(keys, client, log),
		Relay:       client,
		Metrics:     m,
		SendLimit:   ratelimiter.New(2, 10, 10*time.Minute),
		Log:         log,
	})
	return &Service{Agent: a, Config: cfg, Metrics: m, Log: log}, nil
}

// Run bootstraps and drives the agent loops until ctx is cancelled. The
// metrics listener, when configured, lives and dies with the service.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Agent.Bootstrap(ctx); err != nil {
		return err
	}

	if s.Config.MetricsAddr != "" {
		srv := &http.Server{Addr: s.Config.MetricsAddr, Handler: s.Metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.Log.Warn("metrics listener failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return s.Agent.Run(ctx, s.Config.SyncInterval, s.Config.TopUpEvery)
}
