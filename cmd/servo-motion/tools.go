package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/calvinmclean/servomotion/connection"
	"github.com/calvinmclean/servomotion/keyframe"
	"github.com/calvinmclean/servomotion/playback"
	"github.com/calvinmclean/servomotion/protocol"
	"github.com/calvinmclean/servomotion/sequence"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newEncodeCommand(root *rootOptions) *cobra.Command {
	var channels []int

	cmd := &cobra.Command{
		Use:   "encode <sequence.json>",
		Short: "Print the commands that load and play a sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			opts, err := cfg.PlaybackOptions()
			if err != nil {
				return err
			}

			seq, _, err := sequence.LoadAny(args[0])
			if err != nil {
				return err
			}

			// loading into a store applies the configured channel bounds like play does
			store := keyframe.NewStore(cfg.Channels()...)
			err = store.Replace(seq)
			if err != nil {
				return err
			}

			cmds, err := playback.Commands(store.Snapshot(), channels, opts)
			if err != nil {
				return err
			}
			for _, c := range cmds {
				fmt.Fprintln(cmd.OutOrStdout(), c.String())
			}
			return nil
		},
	}

	cmd.Flags().IntSliceVar(&channels, "channel", nil, "channels to encode, default is every channel")
	return cmd
}

func newCurveCommand(root *rootOptions) *cobra.Command {
	var channel int

	cmd := &cobra.Command{
		Use:   "curve <sequence.json>",
		Short: "Print sampled points of a channel's motion curve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			logger.SetLevel(logrus.WarnLevel)

			s, err := newSession(cfg, false, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			err = s.editor.Import(args[0])
			if err != nil {
				return err
			}

			points, err := s.editor.Curve(channel)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tVALUE")
			for _, p := range points {
				fmt.Fprintf(w, "%.1f\t%.2f\n", p.Time, p.Value)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&channel, "channel", 0, "channel to sample")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <in.json> <out.json>",
		Short: "Convert a legacy step list sequence into the keyframe format",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := sequence.Migrate(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d keyframes on %d channels (%d ms) to %s\n",
				meta.TotalKeyframes, meta.ComponentCount, meta.DurationMS, args[1])
			return nil
		},
	}
}

func newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List USB serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := connection.GetSerialPorts()
			if errors.Is(err, connection.ErrNoUSBSerial) {
				fmt.Fprintln(cmd.OutOrStdout(), err.Error())
				return nil
			}
			if err != nil {
				return err
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func newCommandsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "Describe the serial commands the device understands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, d := range protocol.Descriptions {
				fmt.Fprintf(w, "%s\t%s\n", d.Format, d.Description)
			}
			return w.Flush()
		},
	}
}
