package main

import (
	"os"

	"github.com/calvinmclean/servomotion/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	err := newRootCommand().Execute()
	if err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "servo-motion",
		Short:        "Record, edit and play back servo motion sequences",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "path to the configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level, overrides the configuration")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (text or json), overrides the configuration")

	cmd.AddCommand(
		newUICommand(opts),
		newPlayCommand(opts),
		newEncodeCommand(opts),
		newCurveCommand(opts),
		newMigrateCommand(),
		newPortsCommand(),
		newCommandsCommand(),
		newMockDeviceCommand(opts),
	)
	return cmd
}

// load reads the configuration, applies flag overrides and builds the logger
func (o *rootOptions) load() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}

	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	err = cfg.Validate()
	if err != nil {
		return nil, nil, err
	}

	logger, err := cfg.Log.Logger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
