package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/lalith-99/hghs/internal/api"
	"github.com/lalith-99/hghs/internal/auth"
	"github.com/lalith-99/hghs/internal/clock"
	"github.com/lalith-99/hghs/internal/config"
	"github.com/lalith-99/hghs/internal/nonce"
	"github.com/lalith-99/hghs/internal/observ"
	"github.com/lalith-99/hghs/internal/repository"
	"github.com/lalith-99/hghs/internal/service"
	"github.com/lalith-99/hghs/internal/storage"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Parse flags and load env files
	// ---------------------------------------------------------------
	var envFiles []string
	var showVersion bool

	flagSet := pflag.NewFlagSet("hghs", pflag.ContinueOnError)
	flagSet.StringArrayVar(&envFiles, "env-file", nil, "load environment variables from this file (repeatable)")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if showVersion {
		fmt.Println("hghs", version)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return fmt.Errorf("load env files: %w", err)
		}
	} else {
		// Optional; real environment variables win.
		_ = godotenv.Load(".env")
	}

	// ---------------------------------------------------------------
	// 2. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ---------------------------------------------------------------
	// 3. Create logger
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "hghs", version)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 4. Open storage
	// ---------------------------------------------------------------
	driver, err := storage.Open(ctx, cfg.StorageURL, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer driver.Close()

	repos := repository.NewIdentities(driver)
	if err := repos.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize repositories: %w", err)
	}

	// ---------------------------------------------------------------
	// 5. Build the homeserver
	// ---------------------------------------------------------------
	var nonces nonce.Store
	if cfg.RedisURL != "" {
		rdb, err := nonce.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rdb.Close()
		nonces = nonce.NewRedisStore(rdb)
	} else {
		nonces = nonce.NewMemoryStore(clock.Real())
	}

	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.JWTAlgorithm, cfg.AccessTokenExpiration, cfg.ServerName, clock.Real())
	if err != nil {
		return fmt.Errorf("create token service: %w", err)
	}

	svc, err := service.New(service.Config{
		ServerName:               cfg.ServerName,
		PublicURL:                cfg.PublicURL,
		DefaultRoomVersion:       cfg.DefaultRoomVersion,
		RegistrationSharedSecret: cfg.RegistrationSharedSecret,
		EnableRegistration:       cfg.EnableRegistration,
		PasswordIterations:       cfg.PasswordIterations,
		NonceTTL:                 cfg.NonceTTL,
		SyncMaxTimeout:           cfg.SyncMaxTimeout,
	}, service.Deps{
		Repos:       repos,
		Credentials: auth.NewCredentialService(),
		Tokens:      tokens,
		Nonces:      nonces,
		Clock:       clock.Real(),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := svc.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize service: %w", err)
	}

	initial := make([]service.InitialUser, 0, len(cfg.InitialUsers))
	for _, u := range cfg.InitialUsers {
		initial = append(initial, service.InitialUser{Username: u.Username, Password: u.Password})
	}
	if err := svc.EnsureUsers(ctx, initial); err != nil {
		return fmt.Errorf("seed initial users: %w", err)
	}

	// ---------------------------------------------------------------
	// 6. Set up HTTP servers
	// ---------------------------------------------------------------
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	var routerOpts []api.RouterOption
	if checker, ok := driver.(repository.HealthChecker); ok {
		routerOpts = append(routerOpts, api.WithReadinessCheck(checker.Health))
	}
	router := api.NewRouter(svc, logger, routerOpts...)

	// Request contexts derive from ctx so pending long-polls return on
	// shutdown instead of holding it open.
	newServer := func(addr string) *http.Server {
		return &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
	}
	servers := []*http.Server{newServer(cfg.ListenAddr)}
	if cfg.FederationListenAddr != "" {
		servers = append(servers, newServer(cfg.FederationListenAddr))
	}

	logger.Info("starting hghs",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("federation_listen_addr", cfg.FederationListenAddr),
		zap.String("server_name", cfg.ServerName),
		zap.String("storage", driver.Name()),
		zap.String("env", cfg.Env),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `hghs is a small Matrix homeserver.

Configuration is read from the environment. Env files given with
--env-file are loaded first; without any, ./.env is loaded if present.

Usage:
  hghs [flags]

Flags:
`)
	flagSet.PrintDefaults()
}
