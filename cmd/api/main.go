package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"outbound-dialer/internal/audit"
	"outbound-dialer/internal/availability"
	"outbound-dialer/internal/campaign"
	"outbound-dialer/internal/config"
	"outbound-dialer/internal/crm"
	"outbound-dialer/internal/dialqueue"
	"outbound-dialer/internal/httpapi"
	"outbound-dialer/internal/pbx"
	"outbound-dialer/internal/token"
	"outbound-dialer/internal/wsconn"
	"outbound-dialer/pkg/logger"
	"outbound-dialer/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	pbxClient, err := pbx.NewClient(pbx.ClientOptions{
		BaseURL: cfg.PBX.BaseURL,
		Timeout: cfg.PBX.RequestTimeout,
	})
	if err != nil {
		log.Error("pbx client init failed", "err", err)
		os.Exit(1)
	}

	crmClient, err := crm.NewClient(crm.ClientOptions{
		BaseURL: cfg.CRM.BaseURL,
		APIKey:  cfg.CRM.APIKey,
		Timeout: cfg.CRM.RequestTimeout,
	})
	if err != nil {
		log.Error("crm client init failed", "err", err)
		os.Exit(1)
	}

	tracker := availability.NewTracker(pbxClient, cfg.PBX.AdminClientID, cfg.PBX.AdminClientSecret, availability.Options{
		PollInterval:         cfg.Dialer.AvailabilityPollInterval,
		TokenRefreshInterval: cfg.Dialer.AvailabilityTokenRefreshInterval,
	}, log)
	tracker.Start(rootCtx)
	defer tracker.Stop()

	queue := dialqueue.NewRedisQueue(rdb, log)
	registry := campaign.NewRedisRegistry(rdb)
	hub := httpapi.NewHub(log)

	campaigns := campaign.NewManager(campaign.ControllerDeps{
		Registry: registry,
		Queue:    queue,
		PBX:      pbxClient,
		CRM:      crmClient,
		Busy:     tracker,
		Slots:    newRedisSlots(rdb, cfg.Dialer.MaxCallsPerCampaign, log),
		Conn:     eventConnFactory(cfg, log),
		Notify:   hub,
		Log:      log,
	}, campaign.ControllerOptions{
		ReplenishFactor:   cfg.Dialer.ReplenishFactor,
		CallSettleDelay:   cfg.Dialer.CallSettleDelay,
		IdleCheckInterval: cfg.Dialer.IdleCheckInterval,
		Token: token.Options{
			MinRefreshInterval: cfg.Dialer.MinTokenRefreshInterval,
		},
	}, log)

	// Campaigns persisted as active survive restarts.
	campaigns.ReviveAll(rootCtx)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{
		Campaigns: campaigns,
		Queue:     queue,
		Hub:       hub,
		Audit:     audit.NewService(audit.NewRedisRepo(rdb)),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	// Live controllers disconnect but stay persisted, so the next boot
	// revives them.
	campaigns.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

// eventConnFactory builds per-campaign event stream sessions. Each session
// carries the campaign's bearer token; token rotation means a new session.
func eventConnFactory(cfg config.Config, log *slog.Logger) campaign.ConnFactory {
	wsURL := cfg.PBXWebSocketURL()
	return func(accessToken string, onEvent func(data []byte), onReconnect func()) campaign.EventConn {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+accessToken)
		return wsconn.NewManager(wsconn.Options{
			URL:    wsURL,
			Header: header,
		}, wsconn.Callbacks{
			OnMessage:   onEvent,
			OnReconnect: onReconnect,
		}, log)
	}
}

// redisSlots caps concurrent placements per campaign through the shared
// store, so the cap holds across replicas. Store failures allow the dial: a
// stalled campaign is worse than a briefly exceeded cap.
type redisSlots struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
	log   *slog.Logger
}

func newRedisSlots(rdb *redis.Client, limit int, log *slog.Logger) campaign.SlotLimiter {
	if limit <= 0 {
		return nil
	}
	return &redisSlots{rdb: rdb, limit: limit, ttl: 5 * time.Minute, log: log}
}

func (s *redisSlots) Acquire(ctx context.Context, campaignID string) bool {
	ok, err := utils.AcquireCallSlot(ctx, s.rdb, campaignID, s.limit, s.ttl)
	if err != nil {
		s.log.Warn("call slot acquire failed", "campaign_id", campaignID, "err", err)
		return true
	}
	return ok
}

func (s *redisSlots) Release(ctx context.Context, campaignID string) {
	if err := utils.ReleaseCallSlot(ctx, s.rdb, campaignID); err != nil {
		s.log.Warn("call slot release failed", "campaign_id", campaignID, "err", err)
	}
}
