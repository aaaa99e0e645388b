package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"messenger/internal/auth"
	"messenger/internal/config"
	"messenger/internal/db"
	"messenger/internal/events"
	clog "messenger/internal/log"
	"messenger/internal/mw"
	"messenger/internal/server"
	"messenger/internal/service"
	"messenger/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库、装配各组件并启动服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	gdb, err := db.Open(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}
	if err := os.MkdirAll(cfg.AvatarDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.AvatarDir).Msg("avatar dir")
	}

	tm, err := auth.NewTokenManager(gdb, cfg.JWTAccessSecret, cfg.JWTRefreshSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("token manager")
	}
	chats := service.NewChatService(gdb)
	users := service.NewUserService(gdb, tm, chats)
	friends := service.NewFriendsService(gdb)
	msgs := service.NewMessageService(chats)

	pub := events.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer pub.Close()
	log.Info().Str("mode", events.Mode(pub)).Str("reason", events.NoopReason(pub)).Msg("event publisher")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub(chats, friends, users, pub)
	go hub.RunPresenceSweep(ctx, cfg.PresenceSweepEvery, cfg.PresenceTTL)

	limiter := mw.NewRateLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	go limiter.Run(ctx, 30*time.Second)

	h := server.NewHandler(users, friends, chats, msgs, tm, cfg.AvatarDir, cfg.Env != "dev")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, h, hub, tm, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}
