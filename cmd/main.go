package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-live/livechat-service/internal/bridge"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/client"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/config"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/gate"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/handler"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/registry"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/room"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/router"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/service"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/session"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/upstream"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/jwt"
	pkglog "github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/pubsub"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize shared bus
	ps, err := pubsub.NewPubSub(cfg.Bus.Config)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Bus.Driver).Msg("failed to connect to bus")
	}
	logger.Info().Str("driver", cfg.Bus.Driver).Msg("bus connected")

	// Initialize instance registry
	var recorder bridge.RoomRecorder
	if cfg.Registry.Enabled {
		rdb, owned := registryClient(ps, cfg.Bus.Redis)
		if owned {
			defer rdb.Close()
		}
		reg := registry.NewRedisRegistry(rdb, cfg.Registry)
		if err := reg.StartHeartbeat(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start registry heartbeat")
		}
		defer reg.Close()
		recorder = reg
		logger.Info().Str(pkglog.FieldInstance, cfg.Registry.InstanceID).Msg("instance registry enabled")
	}

	// Initialize relay components
	br := bridge.New(ps, bridge.Config{EchoWindow: cfg.Bus.EchoWindow, OpTimeout: cfg.Bus.OpTimeout}, recorder)
	defer br.Close()

	rooms := room.NewRegistry(cfg.Room, br)
	sessions := session.NewRegistry()
	connector := upstream.NewConnector(cfg.Upstream.Config, sessions)
	rt := router.New(rooms, br, connector)

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create handshake verifier")
	}
	g := gate.New(verifier, cfg.Auth.HandshakeTimeout)

	// Initialize collaborator clients
	tokenClient := client.NewTokenClient(cfg.Collaborators)
	customerClient := client.NewCustomerClient(cfg.Collaborators)

	// Initialize LiveChat Service
	liveChatSvc := service.NewLiveChatService(sessions, rooms, g, rt, connector, tokenClient, service.Options{
		UpstreamEnabled:    cfg.Upstream.Enabled,
		ConnectOnHandshake: cfg.Upstream.ConnectOnHandshake,
		TokenSource:        cfg.Upstream.TokenSource,
		OutboundBuffer:     cfg.Upstream.OutboundBuffer,
	})
	if err := liveChatSvc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start livechat service")
	}
	defer liveChatSvc.Stop()

	// Setup Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger, "/health", "/ws"))

	handler.NewWSHandler(liveChatSvc, cfg.WebSocket).RegisterRoutes(r)
	handler.NewHTTPHandler(tokenClient, customerClient, sessions, rooms).RegisterRoutes(r)

	server := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info().
			Str("addr", server.Addr).
			Str("auth_mode", cfg.Auth.Mode).
			Bool("upstream", cfg.Upstream.Enabled).
			Msg("livechat-service starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info().Msg("shutting down livechat-service")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("livechat-service stopped")
}

// registryClient reuses the bus connection when the bus is Redis. owned
// reports whether the caller must close the returned client.
func registryClient(ps pubsub.PubSub, cfg pubsub.RedisConfig) (rdb *redis.Client, owned bool) {
	if rp, ok := ps.(*pubsub.RedisPubSub); ok {
		return rp.Client(), false
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}), true
}

func newVerifier(cfg config.AuthConfig) (gate.Verifier, error) {
	if cfg.Mode != gate.ModeJWT {
		return gate.PermissiveVerifier{}, nil
	}

	var opts []jwt.Option
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}

	var (
		manager *jwt.Manager
		err     error
	)
	if cfg.JWTPublicKey != "" {
		manager, err = jwt.NewRSAManager(cfg.JWTPublicKey, opts...)
	} else {
		manager, err = jwt.NewHMACManager(cfg.JWTSecret, opts...)
	}
	if err != nil {
		return nil, err
	}
	return gate.NewJWTVerifier(manager), nil
}
