// hyperfleetd - Hyper-V fleet control plane
// Serves the REST API, the WebSocket update stream, and the background
// inventory refresh loop for a small fleet of Hyper-V hosts.

// @title HyperFleet Control Plane API
// @version 1.0.0
// @description REST API for Hyper-V fleet orchestration: VM provisioning, managed deployments, inventory, and notifications

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/thediveo/enumflag/v2"

	"github.com/hyperfleet/hyperfleet/api"
	"github.com/hyperfleet/hyperfleet/api/handlers"
	"github.com/hyperfleet/hyperfleet/auth"
	"github.com/hyperfleet/hyperfleet/config"
	_ "github.com/hyperfleet/hyperfleet/docs"
	"github.com/hyperfleet/hyperfleet/scheduler"
	"github.com/hyperfleet/hyperfleet/services"
	"github.com/hyperfleet/hyperfleet/transport"
	"github.com/hyperfleet/hyperfleet/websocket"
)

// Overridden at build time via -ldflags.
var (
	version = "1.0.0"
	build   = "dev"
)

var (
	configPath string
	logLevel   log.Level = log.InfoLevel
)

var logLevelIds = map[log.Level][]string{
	log.PanicLevel: {"panic"},
	log.FatalLevel: {"fatal"},
	log.ErrorLevel: {"error"},
	log.WarnLevel:  {"warn", "warning"},
	log.InfoLevel:  {"info"},
	log.DebugLevel: {"debug"},
	log.TraceLevel: {"trace"},
}

var rootCmd = &cobra.Command{
	Use:   "hyperfleetd",
	Short: "Control plane for a Hyper-V fleet",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "/etc/hyperfleet/config.yaml", "Path to the configuration file")
	rootCmd.Flags().Var(enumflag.New(&logLevel, "log-level", logLevelIds, enumflag.EnumCaseInsensitive), "log-level", "Log level override (trace, debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// The command-line flag wins over the config file.
	if cmd.Flags().Changed("log-level") {
		log.SetLevel(logLevel)
	} else if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	log.WithFields(log.Fields{
		"version":   version,
		"build":     build,
		"hosts":     len(cfg.Inventory.Hosts),
		"auth":      cfg.Auth.Enabled,
		"log_level": log.GetLevel().String(),
	}).Info("Starting HyperFleet control plane")

	findings := cfg.Validate()
	configErrors := make([]string, 0, len(findings))
	for _, f := range findings {
		log.WithFields(log.Fields{
			"field":  f.Field,
			"reason": f.Reason,
		}).Error("❌ Configuration invalid")
		configErrors = append(configErrors, f.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub(version)
	notifications := services.NewNotificationService(hub)

	var (
		sched     *scheduler.Scheduler
		sessions  *transport.SessionCache
		jobs      *services.JobService
		inventory *services.InventoryService
	)
	if len(configErrors) == 0 {
		sched = scheduler.New(scheduler.Config{
			MinWorkers:               cfg.Scheduler.MinWorkers,
			MaxWorkers:               cfg.Scheduler.MaxWorkers,
			IdleTimeout:              time.Duration(cfg.Scheduler.IdleTimeoutSeconds) * time.Second,
			ScaleUpBacklog:           cfg.Scheduler.ScaleUpBacklog,
			ScaleUpDurationThreshold: time.Duration(cfg.Scheduler.ScaleUpThresholdSeconds) * time.Second,
			QueueDepth:               cfg.Scheduler.QueueDepth,
		})
		sched.Start()

		dialer := transport.NewCommandDialer(transport.CommandDialerConfig{
			Command: cfg.Transport.Command,
			Args:    cfg.Transport.Args,
			Credentials: transport.Credentials{
				Principal:  cfg.Transport.Principal,
				Realm:      cfg.Transport.Realm,
				KeytabPath: cfg.Transport.KeytabPath,
			},
		})
		sessions = transport.NewSessionCache(dialer)

		jobs = services.NewJobService(services.JobServiceConfig{
			DefaultTimeout: cfg.JobTimeout(),
		}, sched, sessions, notifications, hub)

		collector := services.NewAgentCollector(sched, sessions)
		inventory = services.NewInventoryService(services.InventoryConfig{
			Hosts:           cfg.Inventory.Hosts,
			RefreshInterval: cfg.RefreshInterval(),
			StartupTimeout:  cfg.StartupTimeout(),
		}, collector, notifications, hub)
		inventory.Start()
	} else {
		log.Warn("⚠️ Startup validation failed, job and inventory services stay down")
	}

	authDeps := handlers.AuthDeps{Enabled: cfg.Auth.Enabled}
	var authenticator api.Authenticator
	if cfg.Auth.Enabled && len(configErrors) == 0 {
		doc, err := auth.Discover(ctx, nil, cfg.Auth.Issuer)
		if err != nil {
			return fmt.Errorf("OIDC discovery failed: %w", err)
		}
		keys := auth.NewJWKSCache(doc.JWKSURI, time.Duration(cfg.Auth.JWKSTTLSeconds)*time.Second, nil)
		validator := auth.NewTokenValidator(auth.TokenValidatorConfig{
			Issuer:       cfg.Auth.Issuer,
			Audience:     cfg.Auth.Audience,
			MaxTokenAge:  time.Duration(cfg.Auth.MaxTokenAgeSeconds) * time.Second,
			LegacyRole:   cfg.Auth.LegacyRole,
			RolePrefixes: cfg.Auth.RolePrefixes,
		}, keys)
		sessionMgr := auth.NewSessionManager(
			[]byte(cfg.Auth.SessionSecret),
			time.Duration(cfg.Auth.SessionMaxAgeSeconds)*time.Second,
			cfg.Auth.SessionSecure,
			cfg.Auth.LegacyRole,
		)
		authDeps = handlers.AuthDeps{
			Enabled: true,
			OAuth: auth.NewOAuthConfig(doc, auth.OIDCConfig{
				Issuer:       cfg.Auth.Issuer,
				ClientID:     cfg.Auth.ClientID,
				ClientSecret: cfg.Auth.ClientSecret,
				RedirectURL:  cfg.Auth.RedirectURL,
			}),
			Validator:     validator,
			Sessions:      sessionMgr,
			SecureCookies: cfg.Auth.SessionSecure,
		}
		authenticator = &api.BearerSessionAuthenticator{Validator: validator, Sessions: sessionMgr}
		log.WithField("issuer", cfg.Auth.Issuer).Info("✅ OIDC authentication configured")
	}

	h := handlers.NewHandlers(handlers.Deps{
		Jobs:          jobs,
		Inventory:     inventory,
		Notifications: notifications,
		Scheduler:     sched,
		Hub:           hub,
		Auth:          authDeps,
	})

	readyFn := func() bool { return false }
	if inventory != nil {
		readyFn = inventory.Ready
	}

	server, err := api.NewServer(api.Config{
		ListenAddr:     cfg.Server.ListenAddr,
		Version:        version,
		Build:          build,
		AuthEnabled:    cfg.Auth.Enabled,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ConfigErrors:   configErrors,
		Ready:          readyFn,
	}, h, authenticator)
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}

	go func() {
		if err := config.WatchLogLevel(ctx, configPath); err != nil {
			log.WithError(err).Warn("⚠️ Config watcher stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("🛑 Shutdown signal received")
		cancel()
	}()

	serveErr := server.Start(ctx)

	if inventory != nil {
		inventory.Stop()
	}
	if sched != nil {
		sched.Stop()
	}
	if sessions != nil {
		sessions.CloseAll()
	}
	log.Info("🛑 HyperFleet control plane stopped")
	return serveErr
}
