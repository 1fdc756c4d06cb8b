package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gravity-well/pkg/config"
	"gravity-well/pkg/gravity"
	"gravity-well/pkg/logging"
	"gravity-well/pkg/policy"
	"gravity-well/pkg/regexfilter"
	"gravity-well/pkg/telemetry"
)

var (
	configPath  = flag.String("config", "config.yml", "Path to configuration file")
	watchConfig = flag.Bool("watch-config", false, "Reload policy rules when the config file changes")
	version     = "dev"
	buildTime   = "unknown"
)

func main() {
	flag.Parse()

	// Parse configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("Gravity Well starting",
		"version", version,
		"build_time", buildTime,
	)

	// Initialize telemetry
	ctx := context.Background()
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	// Initialize metrics
	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	// Compile policy override rules
	policies, err := buildPolicyEngine(cfg.Policy.Rules)
	if err != nil {
		logger.Error("Failed to compile policy rules", "error", err)
		os.Exit(1)
	}
	if policies != nil {
		logger.Info("Policy overrides enabled", "rules", policies.Len())
	}

	// Create the list store and the regex filter subsystem
	matcher := regexfilter.NewMatcher(logger)
	store := gravity.New(&cfg.Gravity, logger,
		gravity.WithRegexMatcher(matcher),
		gravity.WithMetrics(metrics),
		gravity.WithPolicyEngine(policies),
	)

	if err := store.Open(); err != nil {
		logger.Error("Failed to open gravity database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := matcher.LoadFromStore(store); err != nil {
		logger.Error("Failed to load regex filters", "error", err)
		os.Exit(1)
	}

	if cfg.Gravity.Prefilter {
		if err := store.RebuildPrefilter(); err != nil {
			logger.Error("Failed to build gravity prefilter", "error", err)
		}
	}

	logger.Info("Gravity database ready",
		"gravity_domains", store.Count(gravity.GravityList),
		"blacklist_domains", store.Count(gravity.BlacklistExact),
		"whitelist_domains", store.Count(gravity.WhitelistExact),
		"regex_blacklist", matcher.Count(gravity.RegexBlacklist),
		"regex_whitelist", matcher.Count(gravity.RegexWhitelist),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Reopen the store when a list rebuild replaces the database file
	if cfg.Gravity.WatchDatabase {
		dbWatcher, err := gravity.NewWatcher(store, logger)
		if err != nil {
			logger.Error("Failed to create database watcher", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := dbWatcher.Start(runCtx); err != nil {
				logger.Error("Database watcher exited", "error", err)
			}
		}()
	}

	// Pick up policy rule edits without a restart
	if *watchConfig {
		cfgWatcher, err := config.NewWatcher(*configPath, logger.Logger)
		if err != nil {
			logger.Error("Failed to create config watcher", "error", err)
			os.Exit(1)
		}
		cfgWatcher.OnChange(func(updated *config.Config) {
			engine, err := buildPolicyEngine(updated.Policy.Rules)
			if err != nil {
				logger.Error("Ignoring config change with invalid policy rules", "error", err)
				return
			}
			store.SetPolicyEngine(engine)
			rules := 0
			if engine != nil {
				rules = engine.Len()
			}
			logger.Info("Policy rules reloaded", "rules", rules)
		})
		go func() {
			if err := cfgWatcher.Start(runCtx); err != nil {
				logger.Error("Config watcher exited", "error", err)
			}
		}()
	}

	logger.Info("Gravity Well is running", "database", cfg.Gravity.DatabasePath)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("Gravity Well stopped")
}

// buildPolicyEngine compiles the configured rules, or returns nil when there
// are none so the decision path skips the override layer entirely.
func buildPolicyEngine(rules []config.PolicyRule) (*policy.Engine, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	engine := policy.NewEngine()
	for _, rule := range rules {
		if err := engine.AddRule(rule.Name, rule.Logic, policy.Action(rule.Action)); err != nil {
			return nil, err
		}
	}
	return engine, nil
}
