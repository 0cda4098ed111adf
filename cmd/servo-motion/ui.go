package main

import (
	"os"
	"os/signal"

	"github.com/calvinmclean/servomotion/config"
	"github.com/calvinmclean/servomotion/ui"
	"github.com/spf13/cobra"
)

func newUICommand(root *rootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "ui",
		Short: "Open the sequence editor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}

			s, err := newSession(cfg, dryRun, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			editorUI := ui.New(cfg, s.editor, s.bus, ui.Options{Dial: s.connect, ConfigPath: root.configPath}, logger)
			logger.AddHook(editorUI.Hook())

			go func() {
				err := config.Watch(ctx, root.configPath, editorUI.ApplyConfig, logger)
				if err != nil {
					logger.WithError(err).Warn("not watching config for changes")
				}
			}()

			editorUI.Run(ctx)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "connect to a simulated device instead of the serial port")
	return cmd
}
