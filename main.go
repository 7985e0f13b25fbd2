package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"

	"github.com/bookgraph/bookgraph/internal/cache"
	"github.com/bookgraph/bookgraph/internal/config"
	"github.com/bookgraph/bookgraph/internal/friendship"
	"github.com/bookgraph/bookgraph/internal/identity"
	"github.com/bookgraph/bookgraph/internal/profile"
	"github.com/bookgraph/bookgraph/internal/server"
	"github.com/bookgraph/bookgraph/internal/store"
	"github.com/bookgraph/bookgraph/internal/token"
)

type services struct {
	identities  *identity.Service
	friendships *friendship.Service
	profiles    *profile.Cache
	lists       *friendship.ListCache
	authority   *token.Authority
}

func configureServices(ctx context.Context, cfg config.Config, hooks *server.ShutdownHooks) (services, error) {
	kv, err := cache.NewFromConfig(cfg.Cache)
	if err != nil {
		return services{}, fmt.Errorf("cache configuration failed: %w", err)
	}
	hooks.Add("cache", kv.Close)

	pool, err := store.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return services{}, fmt.Errorf("database connection failed: %w", err)
	}
	hooks.AddClose("database", pool)

	if err := store.Migrate(ctx, pool); err != nil {
		return services{}, fmt.Errorf("schema migration failed: %w", err)
	}

	users := store.NewUsers(pool)
	friendships := store.NewFriendships(pool)

	index := profile.NewInvalidationIndex(kv)
	profiles := profile.NewCache(kv, users, index, cfg.Cache.TTL())
	lists := friendship.NewListCache(kv, friendships, profiles, index, cfg.Cache.TTL())

	var federation identity.Federation
	if cfg.Federation.UserInfoURL != "" {
		federation = identity.NewHTTPFederation(
			cfg.Federation.UserInfoURL,
			time.Duration(cfg.Federation.TimeoutSeconds)*time.Second,
		)
	}

	return services{
		identities:  identity.NewService(users, federation, profiles),
		friendships: friendship.NewService(friendships, lists),
		profiles:    profiles,
		lists:       lists,
		authority:   token.NewAuthority([]byte(cfg.Auth.Secret), cfg.Auth.AccessTTL(), cfg.Auth.RefreshTTL()),
	}, nil
}

func configureServerRoutes(cfg config.Config, svc services) http.Handler {
	mux := http.NewServeMux()

	// The request body size is deliberately limited: every payload this API
	// accepts is small.
	requestLimiter := maxRequestSize(20 << 10) // 20 KB

	authorizer := token.Middleware(svc.authority)

	standardRoute := alice.New(requestLimiter)
	authorizedRoute := alice.New(requestLimiter, authorizer)

	cookies := newCookieWriter(cfg.Auth)

	mux.Handle("POST /auth/register", standardRoute.Then(handleRegister(svc.identities, svc.authority, cookies)))
	mux.Handle("POST /auth/login", standardRoute.Then(handleLogin(svc.identities, svc.authority, cookies)))
	mux.Handle("POST /auth/federated", standardRoute.Then(handleFederatedLogin(svc.identities, svc.authority, cookies)))
	mux.Handle("POST /auth/refresh", standardRoute.Then(handleRefresh(svc.authority, cookies)))
	mux.Handle("POST /auth/logout", standardRoute.Then(handleLogout(cookies)))
	mux.Handle("GET /auth/userinfo", authorizedRoute.Then(handleUserInfo()))

	mux.Handle("GET /users/{id}", authorizedRoute.Then(handleGetProfile(svc.profiles)))
	mux.Handle("PUT /users/{id}", authorizedRoute.Then(handleUpdateProfile(svc.identities)))

	mux.Handle("POST /friendships", authorizedRoute.Then(handleCreateFriendship(svc.friendships)))
	mux.Handle("POST /friendships/{id}/accept", authorizedRoute.Then(handleAcceptFriendship(svc.friendships)))
	mux.Handle("POST /friendships/{id}/decline", authorizedRoute.Then(handleDeclineFriendship(svc.friendships)))
	mux.Handle("DELETE /friendships/{id}", authorizedRoute.Then(handleRemoveFriendship(svc.friendships)))
	mux.Handle("GET /friendships/friends", authorizedRoute.Then(handleListFriends(svc.lists)))
	mux.Handle("GET /friendships/pending", authorizedRoute.Then(handleListPending(svc.lists)))
	mux.Handle("GET /friendships/status/{otherId}", authorizedRoute.Then(handleFriendshipStatus(svc.friendships)))

	mux.Handle("GET /healthcheck", standardRoute.Then(handleHealthCheck()))

	return mux
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	hooks := &server.ShutdownHooks{}

	svc, err := configureServices(ctx, cfg, hooks)
	if err != nil {
		return err
	}

	handler := configureServerRoutes(cfg, svc)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	srv.RegisterOnShutdown(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		hooks.Execute(shutdownCtx)
	})

	err = server.Serve(cfg.Server, srv)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func configureLogging() {
	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}
	ev.Msg("build information")
}
