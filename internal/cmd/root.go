package cmd

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/satu/trellm/internal/agent"
	"github.com/satu/trellm/internal/config"
	"github.com/satu/trellm/internal/logging"
	"github.com/satu/trellm/internal/maintenance"
	"github.com/satu/trellm/internal/orchestrator"
	"github.com/satu/trellm/internal/state"
	"github.com/satu/trellm/internal/tracker"
)

var rootCmd = &cobra.Command{
	Use:   "trellm",
	Short: "Trello-driven AI coding agent orchestrator",
	Long: `TreLLM polls a Trello TODO list and dispatches each card to an AI
coding agent, maintaining one long-lived agent session per project.
Completed cards are commented on and moved; failed cards stay in TODO
with an explanatory comment.`,
	SilenceUsage: true,
	RunE:         runRoot,
}

var (
	runOnce bool
	verbose int
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.trellm/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.Flags().BoolVar(&runOnce, "once", false, "Process cards once and exit instead of polling")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "Verbose output; -vv enables debug logging")
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("TRELLM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

func runRoot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := cfg.Logging.Level
	if verbose >= 2 {
		level = logging.LevelDebug
	}
	logger, err := logging.NewLogger(config.ExpandPath(cfg.Logging.File), level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	store, recovered, err := state.Open(cfg.StateFile())
	if err != nil {
		return err
	}
	if recovered {
		logger.Warn("state file was corrupt, starting from empty state",
			"path", cfg.StateFile())
	}

	runner := agent.NewRunner(cfg.Agent, logger)
	orch := orchestrator.New(
		cfg,
		store,
		tracker.NewClient(cfg.Trello, logger),
		runner,
		maintenance.NewRunner(runner, cfg.MaintenanceTimeout(), logger),
		logger,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runOnce {
		n, err := orch.RunOnce(ctx)
		if err != nil {
			return err
		}
		logger.Info("processed cards", "count", n)
		return nil
	}
	return orch.Run(ctx)
}
