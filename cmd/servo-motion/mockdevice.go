package main

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type stdio struct {
	io.Reader
	io.Writer
}

func newMockDeviceCommand(root *rootOptions) *cobra.Command {
	var (
		socket   string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mock-device",
		Short: "Run a simulated device on stdin and stdout or a unix socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			// stdout carries device replies
			logger.SetOutput(os.Stderr)

			if socket == "" {
				logger.Info("mock device reading commands from stdin")
				return runMockDevice(stdio{cmd.InOrStdin(), cmd.OutOrStdout()}, cfg, interval, logger)
			}

			os.Remove(socket)
			listener, err := net.Listen("unix", socket)
			if err != nil {
				return err
			}
			defer os.Remove(socket)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				listener.Close()
			}()

			logger.WithField("socket", socket).Info("mock device listening")
			return serveMockDevice(ctx, listener, func(conn net.Conn) {
				err := runMockDevice(conn, cfg, interval, logger)
				if err != nil {
					logger.WithError(err).Warn("mock device connection failed")
				}
			}, logger)
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "unix socket to listen on instead of stdin and stdout")
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Millisecond, "how often loaded curves are advanced")
	return cmd
}

// serveMockDevice handles one host connection at a time, like a real serial port
func serveMockDevice(ctx context.Context, listener net.Listener, handle func(net.Conn), logger logrus.FieldLogger) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		logger.WithField("remote", conn.RemoteAddr().String()).Info("host connected")
		handle(conn)
		conn.Close()
		logger.Info("host disconnected")
	}
}
