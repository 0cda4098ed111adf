package ui

import (
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"github.com/calvinmclean/servomotion/editor"
)

// CursorInterval is how often the playback cursor is redrawn
const CursorInterval = 50 * time.Millisecond

// timer polls the playback cursor and hands it to the UI thread
type timer struct {
	cursor   func() editor.Cursor
	onUpdate func(editor.Cursor)
	stop     chan struct{}
	once     sync.Once
}

func newTimer(cursor func() editor.Cursor, onUpdate func(editor.Cursor)) *timer {
	return &timer{
		cursor:   cursor,
		onUpdate: onUpdate,
		stop:     make(chan struct{}),
	}
}

func (t *timer) Stop() {
	t.once.Do(func() { close(t.stop) })
}

func (t *timer) Go() {
	go func() {
		ticker := time.NewTicker(CursorInterval)
		defer ticker.Stop()

		last := editor.Cursor{Step: -1}
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
			}

			c := t.cursor()
			// idle frames only need drawing once
			if !c.State.Active() && c.State == last.State {
				continue
			}
			last = c

			fyne.Do(func() {
				t.onUpdate(c)
			})
		}
	}()
}
