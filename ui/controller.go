package ui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/storage"
	"github.com/calvinmclean/servomotion/editor"
	"github.com/sirupsen/logrus"
)

// controllerWrapper runs editor actions for widgets. Failures of explicit actions are shown on
// the message line, failures of continuous ones like slider drags are only logged
type controllerWrapper struct {
	ctx    context.Context
	editor *editor.Editor
	window fyne.Window
	logger logrus.FieldLogger
	notify func(string)

	// swapConfig keeps the configuration in line with swapped channels
	swapConfig func(a, b int) error
}

func (c *controllerWrapper) show(err error) {
	if err == nil || errors.Is(err, editor.ErrCancelled) {
		return
	}
	c.logger.WithError(err).Warn("action failed")
	c.notify(err.Error())
}

func (c *controllerWrapper) log(err error) {
	if err != nil {
		c.logger.WithError(err).Debug("action failed")
	}
}

func (c *controllerWrapper) Record() {
	_, err := c.editor.Record()
	c.show(err)
}

func (c *controllerWrapper) AddKeyframe(channel int) {
	_, err := c.editor.AddKeyframe(channel)
	c.show(err)
}

func (c *controllerWrapper) RemoveKeyframe(channel, index int) {
	c.show(c.editor.RemoveKeyframe(channel, index))
}

func (c *controllerWrapper) Preview(channel, index int) {
	c.show(c.editor.Preview(channel, index))
}

func (c *controllerWrapper) SetPosition(channel int, value float64) {
	_, err := c.editor.SetPosition(channel, int(value))
	c.log(err)
}

func (c *controllerWrapper) DragKeyframe(channel, index int, value float64) {
	_, err := c.editor.DragKeyframe(channel, index, int(value))
	c.log(err)
}

func (c *controllerWrapper) MasterAngle(value float64) {
	c.log(c.editor.MasterAngle(int(value)))
}

func (c *controllerWrapper) ResetToDefaults() {
	c.show(c.editor.ResetToDefaults())
}

func (c *controllerWrapper) SwapChannels(a, b int) {
	if a == b {
		return
	}
	err := c.editor.SwapChannels(a, b)
	if err != nil {
		c.show(err)
		return
	}
	if c.swapConfig != nil {
		c.show(c.swapConfig(a, b))
	}
}

// SetValue applies typed text and returns the value the keyframe ended up with
func (c *controllerWrapper) SetValue(channel, index int, text string) int {
	v, err := c.editor.SetValueText(channel, index, text)
	c.show(err)
	return v
}

func (c *controllerWrapper) SetTime(channel, index int, text string) {
	ms, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		c.show(fmt.Errorf("%w: %q is not a time in milliseconds", editor.ErrInvalidValue, text))
		return
	}
	_, err = c.editor.MoveKeyframe(channel, index, ms)
	c.show(err)
}

// Play starts playback off the UI thread since the driver waits for a previous run to finish
func (c *controllerWrapper) Play(channels ...int) {
	go func() {
		err := c.editor.Play(c.ctx, channels...)
		if err != nil {
			fyne.Do(func() { c.show(err) })
		}
	}()
}

func (c *controllerWrapper) Stop() {
	c.editor.Stop()
}

func (c *controllerWrapper) Clear() {
	dialog.ShowConfirm("Clear Sequence", "Remove every keyframe?", func(ok bool) {
		c.show(c.editor.Clear(func() bool { return ok }))
	}, c.window)
}

// discardChanges asks before unsaved changes are replaced
func (c *controllerWrapper) discardChanges(then func()) {
	if !c.editor.Dirty() {
		then()
		return
	}
	dialog.ShowConfirm("Unsaved Changes", "Discard changes to the current sequence?", func(ok bool) {
		if ok {
			then()
		}
	}, c.window)
}

func (c *controllerWrapper) Open() {
	c.discardChanges(func() {
		c.openFile(c.editor.Load)
	})
}

func (c *controllerWrapper) Import() {
	c.discardChanges(func() {
		c.openFile(c.editor.Import)
	})
}

func (c *controllerWrapper) openFile(load func(string) error) {
	d := dialog.NewFileOpen(func(r fyne.URIReadCloser, err error) {
		if err != nil {
			c.show(err)
			return
		}
		if r == nil {
			return
		}
		path := r.URI().Path()
		r.Close()
		c.show(load(path))
	}, c.window)
	d.SetFilter(storage.NewExtensionFileFilter([]string{".json"}))
	d.Show()
}

func (c *controllerWrapper) Save() {
	path := c.editor.Path()
	if path == "" {
		c.SaveAs()
		return
	}
	c.show(c.editor.Save(path))
}

func (c *controllerWrapper) SaveAs() {
	d := dialog.NewFileSave(func(w fyne.URIWriteCloser, err error) {
		if err != nil {
			c.show(err)
			return
		}
		if w == nil {
			return
		}
		path := w.URI().Path()
		w.Close()
		c.show(c.editor.Save(path))
	}, c.window)
	d.SetFilter(storage.NewExtensionFileFilter([]string{".json"}))
	name := c.editor.Name()
	if name == "" {
		name = "sequence"
	}
	d.SetFileName(name + ".json")
	d.Show()
}
