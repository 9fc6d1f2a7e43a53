// Command mantle ingests Sparkplug-B telemetry from an MQTT broker,
// maintains the live topology, persists history to TimescaleDB and
// serves the API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mantle-scada/mantle/internal/alarms"
	"github.com/mantle-scada/mantle/internal/api"
	"github.com/mantle-scada/mantle/internal/config"
	"github.com/mantle-scada/mantle/internal/hotcache"
	"github.com/mantle-scada/mantle/internal/identity"
	"github.com/mantle-scada/mantle/internal/ingest"
	"github.com/mantle-scada/mantle/internal/logging"
	"github.com/mantle-scada/mantle/internal/pubsub"
	"github.com/mantle-scada/mantle/internal/timeseries"
	"github.com/mantle-scada/mantle/internal/topology"
)

// Populated by the release build via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var migrateOnly bool

	cmd := &cobra.Command{
		Use:           "mantle",
		Short:         "Sparkplug-B telemetry ingester and historian",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			applyFlags(cmd, cfg)
			logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "mantle"})
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg, migrateOnly)
		},
	}

	f := cmd.Flags()
	f.String("broker-url", "", "MQTT broker URL")
	f.String("username", "", "MQTT username")
	f.String("password", "", "MQTT password")
	f.String("client-id", "", "MQTT client ID")
	f.String("shared-group", "", "MQTT shared-subscription group")
	f.String("db-host", "", "database host")
	f.Int("db-port", 0, "database port")
	f.String("db-user", "", "database user")
	f.String("db-password", "", "database password")
	f.String("db-name", "", "database name")
	f.Bool("db-ssl", false, "connect to the database over TLS")
	f.String("db-ssl-ca", "", "CA bundle for database TLS verification")
	f.String("db-admin-name", "", "maintenance database used to create the service database")
	f.String("redis-url", "", "Redis URL for the hot-value cache")
	f.String("webhook-url", "", "alarm webhook URL")
	f.String("api-addr", "", "API listen address")
	f.Bool("historian", true, "persist samples to the history tables")
	f.String("log-level", "", "log level")
	f.String("log-format", "", "log format (json or console)")
	f.BoolVar(&migrateOnly, "migrate", false, "apply schema migrations and exit")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mantle %s (%s)\n", version, commit)
		},
	}
}

// applyFlags overlays explicitly set flags onto the loaded config, so
// precedence is flags > environment > defaults.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	stringFlag := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	stringFlag("broker-url", &cfg.BrokerURL)
	stringFlag("username", &cfg.Username)
	stringFlag("password", &cfg.Password)
	stringFlag("client-id", &cfg.ClientID)
	stringFlag("shared-group", &cfg.SharedGroup)
	stringFlag("db-host", &cfg.DBHost)
	stringFlag("db-user", &cfg.DBUser)
	stringFlag("db-password", &cfg.DBPassword)
	stringFlag("db-name", &cfg.DBName)
	stringFlag("db-ssl-ca", &cfg.DBSSLCA)
	stringFlag("db-admin-name", &cfg.DBAdminName)
	stringFlag("redis-url", &cfg.RedisURL)
	stringFlag("webhook-url", &cfg.WebhookURL)
	stringFlag("api-addr", &cfg.APIAddr)
	stringFlag("log-level", &cfg.LogLevel)
	stringFlag("log-format", &cfg.LogFormat)
	if f.Changed("db-port") {
		cfg.DBPort, _ = f.GetInt("db-port")
	}
	if f.Changed("db-ssl") {
		cfg.DBSSL, _ = f.GetBool("db-ssl")
	}
	if f.Changed("historian") {
		cfg.Historian, _ = f.GetBool("historian")
	}
}

func run(parent context.Context, cfg *config.Config, migrateOnly bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := timeseries.EnsureDatabase(ctx, cfg.AdminDatabaseURL(), cfg.DBName); err != nil {
		return err
	}
	if err := timeseries.Migrate(cfg.DatabaseURL()); err != nil {
		return err
	}
	if migrateOnly {
		log.Info().Msg("Migrations applied, exiting")
		return nil
	}

	store, err := timeseries.Connect(ctx, cfg.DatabaseURL())
	if err != nil {
		return err
	}
	defer store.Close()

	broker := pubsub.NewBroker()
	defer broker.Close()

	hiddenScopes, err := store.ListHidden(ctx)
	if err != nil {
		return err
	}
	hidden := topology.NewHiddenSet(hiddenScopes)
	tree := topology.New()

	var cache *hotcache.Cache
	if cfg.RedisURL != "" {
		cache, err = hotcache.Connect(ctx, cfg.RedisURL, cfg.RedisMaxRetries, cfg.RedisRetryDelay)
		if err != nil {
			return err
		}
		defer cache.Close()
		rebuildTopology(ctx, cache, tree)
	}

	notifier := alarms.NewNotifier(cfg.WebhookURL, cfg.WebhookSecret, cfg.SpaceShortID)
	engine := alarms.NewEngine(alarms.NewSQLStore(store.Pool()), notifier, broker)
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	var pipeline *ingest.Pipeline
	client := ingest.NewClient(cfg, func(topic string, payload []byte) {
		pipeline.HandleFrame(ctx, topic, payload)
	})
	pipelineDeps := ingest.Deps{
		Tree:      tree,
		Archive:   store,
		Alarms:    engine,
		Broker:    broker,
		Hidden:    hidden,
		Publisher: client,
		Historian: cfg.Historian,
	}
	if cache != nil {
		pipelineDeps.Cache = cache
	}
	pipeline = ingest.NewPipeline(pipelineDeps)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	if cache != nil {
		go cache.Watch(ctx, func(id identity.Identity, e hotcache.Entry) {
			tree.ApplyMetric(id, topology.Metric{Type: e.Type, Value: e.TypedValue(), Timestamp: e.Timestamp})
			broker.Publish(pubsub.TopicMetricUpdate, pubsub.MetricUpdate{
				Identity:  id,
				Type:      e.Type,
				Value:     e.Value,
				Timestamp: e.Timestamp,
			})
		})
	}

	deps := api.Deps{
		Tree:    tree,
		Hidden:  hidden,
		Querier: store,
		Mutator: pipeline,
		Alarms:  engine,
		Broker:  broker,
	}
	if notifier != nil {
		deps.Tester = notifier
	}
	server := api.NewServer(cfg.APIAddr, deps)

	log.Info().Str("version", version).Msg("Mantle started")
	return server.Run(ctx)
}

// rebuildTopology replays the hot cache into the in-memory tree so the
// hierarchy is immediately queryable after a restart, before the next
// BIRTH frames arrive.
func rebuildTopology(ctx context.Context, cache *hotcache.Cache, tree *topology.Tree) {
	entries, err := cache.Hierarchy(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not rebuild topology from hot cache")
		return
	}
	for _, ke := range entries {
		tree.ApplyMetric(ke.Identity, topology.Metric{
			Type:      ke.Entry.Type,
			Value:     ke.Entry.TypedValue(),
			Timestamp: ke.Entry.Timestamp,
		})
	}
	log.Info().Int("metrics", len(entries)).Msg("Rebuilt topology from hot cache")
}
