package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"muster/pkg/config"
	"muster/pkg/coordinator"
	"muster/pkg/node"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "0.1.0"

var (
	configFile         string
	verbose            bool
	nodeAddress        string
	coordinatorAddress string
	outputFormat       string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "muster",
		Short: "Service discovery for small clusters",
		Long: `Every node runs an agent that records the components it provides.
Any node can ask which nodes provide a component; the most recent
announcement wins.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (JSON or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&nodeAddress, "node-address", "", "node agent address (default from client config)")
	rootCmd.PersistentFlags().StringVar(&coordinatorAddress, "coordinator", "", "coordinator address (default from client config)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "output format: styled or json")

	rootCmd.AddCommand(
		coordinatorCmd(),
		nodeCmd(),
		announceCmd(),
		discoverCmd(),
		componentsCmd(),
		statusCmd(),
		configCmd(),
		versionCmd(),
	)
	return rootCmd
}

// loadConfig reads the config file when given, the environment otherwise.
func loadConfig(mode config.Mode) (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg = config.LoadFromEnv()
	}
	cfg.Mode = mode
	return cfg, nil
}

func coordinatorCmd() *cobra.Command {
	var (
		cluster        string
		address        string
		metricsAddress string
	)

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the cluster index",
		Long:  `Start a coordinator that holds the latest document of every node and answers their searches.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig(config.ModeCoordinator)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("cluster") {
				cfg.Cluster = cluster
			}
			if cmd.Flags().Changed("address") {
				cfg.Coordinator.Address = address
			}
			if cmd.Flags().Changed("metrics-address") {
				cfg.Coordinator.MetricsAddress = metricsAddress
			}
			cfg.ApplyDefaults()
			if err := cfg.Validate(); err != nil {
				return err
			}

			coord := coordinator.New(cfg.Cluster, cfg.Coordinator, logger)

			// Handle shutdown gracefully
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			go func() {
				<-sigChan
				logger.Info("Shutting down coordinator")
				if err := coord.Stop(); err != nil {
					logger.Warn("Coordinator shutdown incomplete", zap.Error(err))
				}
			}()

			return coord.Start()
		},
	}

	cmd.Flags().StringVar(&cluster, "cluster", config.DefaultCluster, "cluster name")
	cmd.Flags().StringVar(&address, "address", config.DefaultCoordinatorAddress, "coordinator listening address")
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "serve Prometheus metrics on this address")

	return cmd
}

func nodeCmd() *cobra.Command {
	var (
		cluster        string
		name           string
		address        string
		dataDir        string
		store          string
		syncInterval   string
		metricsAddress string
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run the node agent",
		Long:  `Start the agent that owns this node's document, publishes it to the coordinator and serves announce and discovery.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig(config.ModeNode)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("cluster") {
				cfg.Cluster = cluster
			}
			if flags.Changed("name") {
				cfg.Node.Name = name
			}
			if flags.Changed("address") {
				cfg.Node.Address = address
			}
			if coordinatorAddress != "" {
				cfg.Node.CoordinatorAddress = coordinatorAddress
			}
			if flags.Changed("data-dir") {
				cfg.Node.DataDir = dataDir
			}
			if flags.Changed("store") {
				cfg.Node.Store = store
			}
			if flags.Changed("sync-interval") {
				d, err := parseDuration(syncInterval)
				if err != nil {
					return err
				}
				cfg.Node.SyncInterval = d
			}
			if flags.Changed("metrics-address") {
				cfg.Node.MetricsAddress = metricsAddress
			}
			cfg.ApplyDefaults()
			if err := cfg.Validate(); err != nil {
				return err
			}

			n, err := node.New(cfg.Cluster, cfg.Node, logger)
			if err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			go func() {
				<-sigChan
				logger.Info("Shutting down node")
				if err := n.Stop(); err != nil {
					logger.Warn("Node shutdown incomplete", zap.Error(err))
				}
			}()

			return n.Start()
		},
	}

	cmd.Flags().StringVar(&cluster, "cluster", config.DefaultCluster, "cluster name")
	cmd.Flags().StringVar(&name, "name", "", "node name (default: hostname)")
	cmd.Flags().StringVar(&address, "address", config.DefaultNodeAddress, "node agent listening address")
	cmd.Flags().StringVar(&dataDir, "data-dir", config.DefaultDataDir, "directory for the node document")
	cmd.Flags().StringVar(&store, "store", config.StoreSQLite, "document store: sqlite or memory")
	cmd.Flags().StringVar(&syncInterval, "sync-interval", config.DefaultSyncInterval.String(), "how often to republish the node document")
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "serve Prometheus metrics on this address")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "muster v%s\n", version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
