package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/turtacn/Kestrel/internal/monitor"
	"github.com/turtacn/Kestrel/pkg/logger"
	"github.com/turtacn/Kestrel/pkg/protocol"
)

var (
	cfgFile string
	cfg     *protocol.Config
)

var rootCmd = &cobra.Command{
	Use:           "kestrel",
	Short:         "Kestrel: ground control reliability and motor safety core",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = c
		logger.Log = logger.New(cmd.ErrOrStderr(), cfg.Observability.LogLevel, cfg.Observability.LogFormat)
		monitor.InitMetrics(cfg.Observability.MetricsPort)
		return nil
	},
}

// loadConfig reads --config. A missing file is only an error when the flag
// was given explicitly.
func loadConfig(cmd *cobra.Command) (*protocol.Config, error) {
	c, err := protocol.LoadConfig(cfgFile)
	if err == nil {
		return c, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return protocol.DefaultConfig(), nil
	}
	return nil, err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "kestrel.yaml", "config file path")
	rootCmd.AddCommand(simCmd, healthCmd, estopCmd, motorTestCmd, watchCmd, journalCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Personal.AI order the ending
