package ui

import (
	"context"
	"errors"
	"testing"

	"github.com/calvinmclean/servomotion/config"
	"github.com/calvinmclean/servomotion/connection"
	"github.com/calvinmclean/servomotion/editor"
	"github.com/calvinmclean/servomotion/events"
	"github.com/calvinmclean/servomotion/keyframe"
	"github.com/calvinmclean/servomotion/playback"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, cfg *config.Config) (*controllerWrapper, *[]string) {
	t.Helper()
	logger, _ := test.NewNullLogger()

	bus := events.NewBus(logger)
	driver := playback.New(connection.Offline{}, bus, playback.DefaultOptions(), logger)
	e := editor.New(keyframe.NewStore(cfg.Channels()...), driver, nil, bus, editor.DefaultOptions(), logger)
	t.Cleanup(e.Close)

	var messages []string
	return &controllerWrapper{
		ctx:    context.Background(),
		editor: e,
		logger: logger,
		notify: func(s string) { messages = append(messages, s) },
	}, &messages
}

func TestControllerSwapChannels(t *testing.T) {
	cfg := config.Default()
	c, messages := newTestController(t, cfg)
	c.swapConfig = cfg.SwapIndices

	first := cfg.Components[0]
	c.SwapChannels(0, 1)
	assert.Empty(t, *messages)

	moved, err := cfg.Component(first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, moved.Index)

	ch, err := c.editor.Store().Channel(1)
	require.NoError(t, err)
	assert.Equal(t, first.Name, ch.Name)

	t.Run("ConfigFailureIsShown", func(t *testing.T) {
		c.swapConfig = func(int, int) error { return errors.New("read-only") }
		c.SwapChannels(2, 3)
		assert.Equal(t, []string{"read-only"}, *messages)
	})

	t.Run("UnknownChannel", func(t *testing.T) {
		*messages = nil
		c.SwapChannels(0, 9)
		require.Len(t, *messages, 1)
		assert.Contains(t, (*messages)[0], "invalid channel")
	})
}

func TestControllerResetToDefaults(t *testing.T) {
	cfg := config.Default()
	c, messages := newTestController(t, cfg)

	_, err := c.editor.SetPosition(0, 10)
	require.NoError(t, err)

	c.ResetToDefaults()
	assert.Empty(t, *messages)

	ch, err := c.editor.Store().Channel(0)
	require.NoError(t, err)
	assert.Equal(t, cfg.Components[0].Default, ch.Position)
}
