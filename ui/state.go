package ui

import (
	"fmt"
	"image/color"
	"time"

	"fyne.io/fyne/v2"
	"github.com/calvinmclean/servomotion"
	"github.com/calvinmclean/servomotion/bezier"
	"github.com/calvinmclean/servomotion/editor"
	"github.com/calvinmclean/servomotion/keyframe"
)

var (
	colorPlaying = color.RGBA{R: 0, G: 128, B: 0, A: 255}
	colorError   = color.RGBA{R: 139, G: 0, B: 0, A: 255}
	colorCurve   = color.RGBA{R: 30, G: 90, B: 200, A: 255}
	colorCursor  = color.RGBA{R: 200, G: 40, B: 40, A: 255}
)

// stateColor is the status text color for a playback state. nil uses the theme color
func stateColor(s servomotion.PlaybackState) color.Color {
	switch s {
	case servomotion.StateLoading, servomotion.StatePlaying:
		return colorPlaying
	case servomotion.StateError:
		return colorError
	default:
		return nil
	}
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	millis := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d.%03d", minutes, seconds, millis)
}

// statusText describes the cursor for the status bar
func statusText(c editor.Cursor) string {
	if !c.State.Active() {
		return c.State.String()
	}
	text := fmt.Sprintf("%s %s / %s", c.State, formatElapsed(c.Elapsed), formatElapsed(c.Duration))
	if c.Step >= 0 {
		text += fmt.Sprintf("  step %d", c.Step+1)
	}
	return text
}

func channelLabel(c keyframe.Channel) string {
	return fmt.Sprintf("%d  %s  (%d)", c.Index, c.Name, c.Position)
}

func keyframeLabel(i int, k keyframe.Keyframe) string {
	return fmt.Sprintf("%d:  %d ms  =  %d", i, k.Time, k.Value)
}

// plot maps curve points into a box of size. Time runs left to right over duration and values
// run bottom to top over the channel's range
func plot(points []bezier.Point, duration int, c keyframe.Channel, size fyne.Size) []fyne.Position {
	if duration <= 0 || c.Max <= c.Min {
		return nil
	}

	result := make([]fyne.Position, 0, len(points))
	for _, p := range points {
		x := float32(p.Time/float64(duration)) * size.Width
		y := size.Height - float32((p.Value-float64(c.Min))/float64(c.Max-c.Min))*size.Height
		result = append(result, fyne.NewPos(x, y))
	}
	return result
}

// setEnabled enables or disables every widget in objs
func setEnabled(enabled bool, objs ...fyne.Disableable) {
	for _, o := range objs {
		if enabled {
			o.Enable()
		} else {
			o.Disable()
		}
	}
}
