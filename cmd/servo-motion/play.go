package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/calvinmclean/servomotion"
	"github.com/calvinmclean/servomotion/events"
	"github.com/calvinmclean/servomotion/playback"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newPlayCommand(root *rootOptions) *cobra.Command {
	var (
		channels []int
		dryRun   bool
		mode     string
		port     string
	)

	cmd := &cobra.Command{
		Use:   "play <sequence.json>",
		Short: "Play a saved sequence on the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Playback.Mode = mode
			}
			if port != "" {
				cfg.Serial.Port = port
			}
			err = cfg.Validate()
			if err != nil {
				return err
			}

			s, err := newSession(cfg, dryRun, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			err = s.editor.Load(args[0])
			if err != nil {
				return err
			}

			_, err = s.connect(cfg)
			if err != nil {
				return err
			}

			s.bus.Subscribe(events.TopicPlaybackStep, func(e events.Event) {
				status, ok := e.Data.(playback.Status)
				if !ok {
					return
				}
				logger.WithFields(logrus.Fields{
					"step":    fmt.Sprintf("%d/%d", status.Step+1, status.Steps),
					"elapsed": status.Elapsed,
				}).Info("keyframe reached")
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			err = s.editor.Play(ctx, channels...)
			if err != nil {
				return err
			}

			driver := s.editor.Driver()
			driver.Wait()

			status := driver.Status()
			if status.Outcome == servomotion.StateError {
				return status.Err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s after %s\n", status.Outcome, status.Elapsed)
			return nil
		},
	}

	cmd.Flags().IntSliceVar(&channels, "channel", nil, "channels to play, default is every channel")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "play on a simulated device instead of the serial port")
	cmd.Flags().StringVar(&mode, "mode", "", "playback mode (loaded or stepped), overrides the configuration")
	cmd.Flags().StringVarP(&port, "port", "p", "", "serial port, overrides the configuration")
	return cmd
}
