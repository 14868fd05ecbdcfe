package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-lms"
	"github.com/goliatone/go-lms/config"
	"github.com/goliatone/go-lms/middleware/jwtware"
	"github.com/goliatone/go-lms/provider/auth0"
	"github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/redis/go-redis/v9"
)

type App struct {
	config config.Config
	store  *persistence.Client
	repo   lms.RepositoryManager
	logger *glog.BaseLogger
	srv    router.Server[*fiber.App]
	closer []func() error
}

func (a *App) GetLogger(name string) lms.Logger {
	return a.logger.GetLogger(name)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	lgr := newLogger(cfg.LogLevel, os.Stdout)

	app := &App{config: cfg, logger: lgr}
	log := app.GetLogger("app")
	log.Info("configuration loaded", "settings", print.MaybePrettyJSON(cfg.Describe()))

	ctx := context.Background()

	if err := WithPersistence(ctx, app); err != nil {
		log.Error("persistence setup failed", "error", err)
		os.Exit(1)
	}

	if err := WithHTTPServer(ctx, app); err != nil {
		log.Error("http setup failed", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := app.srv.Serve(cfg.HTTPAddr); err != nil {
			log.Error("server stopped", "error", err)
		}
	}()

	sig := WaitExitSignal()
	log.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "error", err)
	}
	for _, closeFn := range app.closer {
		if err := closeFn(); err != nil {
			log.Warn("close failed", "error", err)
		}
	}
}

func newLogger(level string, out io.Writer) *glog.BaseLogger {
	return glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(level),
		glog.WithWriter(out),
		glog.WithName("lms"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(errors.ToSlogAttributes),
	)
}

func WithPersistence(ctx context.Context, app *App) error {
	client, err := lms.OpenStore(lms.DatabaseConfig{
		DSN:   app.config.DatabaseDSN,
		Debug: isVerbose(app.config.LogLevel),
	}, app.GetLogger("persistence"))
	if err != nil {
		return err
	}
	app.store = client
	app.closer = append(app.closer, client.Close)

	applied, err := lms.Migrate(ctx, client)
	if err != nil {
		return err
	}
	app.GetLogger("persistence").Info("migrations applied", "count", len(applied), "names", applied)

	app.repo = lms.NewRepositoryManager(client.DB())
	return app.repo.Validate()
}

func isVerbose(level string) bool {
	switch glog.NormalizeLevel(level) {
	case glog.Trace, glog.Debug:
		return true
	}
	return false
}

func WithHTTPServer(ctx context.Context, app *App) error {
	authCfg := app.config.AuthConfig()

	keys, err := auth0.NewKeyDirectory(authCfg,
		auth0.WithKeyDirectoryLogger(app.GetLogger("auth0:jwks")),
	)
	if err != nil {
		return err
	}

	validator, err := auth0.NewTokenValidator(authCfg,
		auth0.WithKeyDirectory(keys),
		auth0.WithValidatorLogger(app.GetLogger("auth0:validator")),
	)
	if err != nil {
		return err
	}

	store, err := profileStore(ctx, app)
	if err != nil {
		return err
	}

	profiles, err := auth0.NewProfileClient(authCfg,
		auth0.WithProfileStore(store),
		auth0.WithProfileLogger(app.GetLogger("auth0:userinfo")),
	)
	if err != nil {
		return err
	}

	audit := activityLog(app.GetLogger("activity"))

	resolver := lms.NewIdentityResolver(app.repo.Users(),
		lms.WithEmailSource(profiles),
		lms.WithResolverActivitySink(audit),
		lms.WithResolverLoggerProvider(lms.LoggerProviderFunc(app.GetLogger)),
	)

	guard := lms.NewAccessGuard(app.GetLogger("guard"))

	app.srv = lms.NewHTTPServer(app.GetLogger("http"))

	authn := jwtware.New(jwtware.Config{
		Verifier: validator,
		Resolver: resolver,
		Guard:    guard,
	})

	users := lms.NewUsersController(app.repo,
		lms.WithControllerLogger(app.GetLogger("users:ctrl")),
		lms.WithProfileSource(profiles),
		lms.WithAccessGuard(guard),
		lms.WithControllerActivitySink(audit),
	)
	lms.RegisterUserRoutes(app.srv.Router(), users, authn)

	return nil
}

func activityLog(logger lms.Logger) lms.ActivitySink {
	return lms.ActivitySinkFunc(func(_ context.Context, event lms.ActivityEvent) error {
		logger.Info(string(event.EventType),
			"actor", event.ActorID,
			"user", event.UserID,
			"from", event.FromRole,
			"to", event.ToRole,
			"at", event.OccurredAt,
		)
		return nil
	})
}

func profileStore(ctx context.Context, app *App) (auth0.ProfileStore, error) {
	// entries outlive the profile TTL so they can be served stale
	retention := 4 * app.config.UserInfoTTL

	if !app.config.UsesRedis() {
		return auth0.NewMemoryProfileStore(auth0.WithMemoryRetention(retention)), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     app.config.RedisAddr,
		Password: app.config.RedisPassword,
		DB:       app.config.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.CategoryExternal, "redis is unreachable").
			WithMetadata(map[string]any{"addr": app.config.RedisAddr})
	}
	app.closer = append(app.closer, rdb.Close)

	return auth0.NewRedisProfileStore(rdb, auth0.WithRedisRetention(retention)), nil
}

func WaitExitSignal() os.Signal {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	return <-ch
}
