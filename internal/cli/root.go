package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/settler/internal/control"
	"github.com/vietddude/settler/internal/core/config"
)

var (
	cfgPath string
	isDebug bool

	appCfg *config.AppConfig

	// openSettler is replaced in tests.
	openSettler = control.Open
)

var rootCmd = &cobra.Command{
	Use:   "settler",
	Short: "Reward settlement engine",
	Long: `Settler batches pending reward credits into batchMint transactions and reconciles
the ledger with the token contract's BatchMinted events.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		return err
	}

	slogLevel := slog.LevelInfo
	switch {
	case isDebug || cfg.Logging.Level == "debug":
		slogLevel = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		slogLevel = slog.LevelWarn
	case cfg.Logging.Level == "error":
		slogLevel = slog.LevelError
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})

	appCfg = cfg
	return nil
}

// withSettler opens the settler for a one-shot command and closes it afterwards.
func withSettler(cmd *cobra.Command, fn func(ctx context.Context, s *control.Settler) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	s, err := openSettler(ctx, appCfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}
