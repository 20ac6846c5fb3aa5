package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gorilla/sessions"

	"xcrew-dashboard/core"
)

func main() {
	cfg, err := core.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	ctx := context.Background()

	logCloser, err := core.SetupLogging(cfg, "api.log")
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	defer logCloser.Close()

	db, err := core.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer db.Close()

	redisClient, err := core.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer redisClient.Close()

	directory := core.NewRedisSessionDirectory(redisClient, cfg.SessionKeyPrefix, cfg.TokenTTL)
	auth, err := core.NewSessionAuthenticator([]byte(cfg.JWTSecret), cfg.TokenTTL, directory)
	if err != nil {
		log.Fatalf("failed to create authenticator: %v", err)
	}

	// Gorilla cookie store carries the CSRF token only.
	store := sessions.NewCookieStore([]byte(cfg.SessionKey))

	userRepo := core.NewPgUserRepository(db)
	if _, err := core.BootstrapAdmin(ctx, userRepo, cfg); err != nil {
		log.Fatalf("bootstrap admin failed: %v", err)
	}

	router := core.NewRouter(cfg, core.RouterDeps{
		Sessions:  store,
		Auth:      auth,
		Accounts:  core.NewRepositoryAuthService(userRepo),
		Users:     userRepo,
		Schedules: core.NewPgScheduleRepository(db),
		Portal:    core.NewPortalFactory(cfg.Portal()),
		Train:     core.NewHTTPTrainClient(cfg.TrainAPIURL, cfg.TrainAPIToken),
		Health: map[string]core.Pinger{
			"redis":    core.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
			"postgres": core.PingFunc(db.Ping),
		},
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	log.Printf("starting api server on %s portal=%s fanout=%d", addr, cfg.PortalBaseURL, cfg.FanoutLimit)
	if err := router.Run(addr); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
