package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dvtools/dvq/internal/debug"
	"github.com/dvtools/dvq/internal/telemetry"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	cfgFile     string
	envURL      string
	jsonOutput  bool
	verboseFlag bool
	quietFlag   bool

	// Signal-aware context for graceful cancellation.
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "dvq",
	Short: "Query and move Dataverse data",
	Long: `dvq runs FetchXML and read-only SQL against a Dataverse environment and
moves entity data between environments with dependency-ordered export/import.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)
		if err := initConfig(cmd); err != nil {
			return err
		}
		return telemetry.Init(rootCtx, "dvq", Version)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default .dvq.yaml, then $HOME/.dvq.yaml)")
	pf.StringVar(&envURL, "env", "", "environment URL (https://org.crm.dynamics.com)")
	pf.BoolVar(&jsonOutput, "json", false, "emit JSON instead of text output")
	pf.BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug output")
	pf.BoolVarP(&quietFlag, "quiet", "q", false, "suppress non-essential output")
}

func initConfig(cmd *cobra.Command) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".dvq")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
	}
	viper.SetEnvPrefix("DVQ")
	viper.AutomaticEnv()
	if err := viper.BindPFlag("env", cmd.Root().PersistentFlags().Lookup("env")); err != nil {
		return err
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil // config file is optional
		}
		if os.IsNotExist(err) && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	debug.Logf("config loaded from %s", viper.ConfigFileUsed())
	return nil
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
