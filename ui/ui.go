package ui

import (
	"context"
	"fmt"
	"image/color"
	"strconv"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/layout"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"
	"github.com/calvinmclean/servomotion/bezier"
	"github.com/calvinmclean/servomotion/config"
	"github.com/calvinmclean/servomotion/connection"
	"github.com/calvinmclean/servomotion/editor"
	"github.com/calvinmclean/servomotion/events"
	"github.com/calvinmclean/servomotion/keyframe"
	"github.com/calvinmclean/servomotion/report"
	"github.com/sirupsen/logrus"
)

const appID = "com.calvinmclean.servomotion"

// MessageTimeout is how long a failed action's message stays on screen
const MessageTimeout = 5 * time.Second

var curveSize = fyne.NewSize(640, 240)

type Options struct {
	// Dial connects with the settings submitted in the connection window
	Dial func(*config.Config) (connection.Conn, error)
	// ConfigPath is rewritten when channels are swapped. Empty keeps swaps in memory
	ConfigPath string
}

// App is the sequence editor window
type App struct {
	app    fyne.App
	cfg    *config.Config
	editor *editor.Editor
	bus    *events.Bus
	opts   Options
	logger logrus.FieldLogger
	logs   *logView

	// only used on the UI thread
	view *editorView
}

func New(cfg *config.Config, e *editor.Editor, bus *events.Bus, opts Options, logger logrus.FieldLogger) *App {
	return &App{
		app:    app.NewWithID(appID),
		cfg:    cfg,
		editor: e,
		bus:    bus,
		opts:   opts,
		logger: logger.WithField("component", "ui"),
		logs:   &logView{},
	}
}

// Hook shows log entries in the editor's log panel. Add it to the logger passed to New
func (a *App) Hook() logrus.Hook {
	return a.logs
}

// Run shows the connection window and then the editor until the windows are closed or ctx is done
func (a *App) Run(ctx context.Context) {
	cw := NewConfigWindow(a.app)
	cw.OnSubmit = func() {
		conn, err := a.opts.Dial(a.cfg)
		if err != nil {
			a.logger.WithError(err).Error("error connecting, editing offline")
			conn = connection.Offline{}
		}
		a.editor.SetConn(conn)
		a.editor.SetReporter(report.New(a.cfg.Report.Addr))
		a.showEditor(ctx, err)
	}
	cw.Show(a.cfg)

	go func() {
		<-ctx.Done()
		fyne.Do(func() {
			a.app.Quit()
		})
	}()

	a.app.Run()
}

// ApplyConfig picks up renamed components from a reloaded configuration. Components are matched
// by index and nothing but the name changes
func (a *App) ApplyConfig(cfg *config.Config) {
	store := a.editor.Store()
	for _, comp := range cfg.Components {
		c, err := store.Channel(comp.Index)
		if err != nil || c.Name == comp.Name {
			continue
		}
		err = store.RenameChannel(comp.Index, comp.Name)
		if err != nil {
			a.logger.WithError(err).WithField("channel", comp.Index).Warn("error renaming channel")
			continue
		}
		a.logger.WithFields(logrus.Fields{
			"channel": comp.Index,
			"name":    comp.Name,
		}).Info("renamed channel")
	}

	fyne.Do(func() {
		if a.view != nil {
			a.view.refresh()
		}
	})
}

// swapConfig moves two components to each other's index so the configuration follows a swap in
// the editor
func (a *App) swapConfig(x, y int) error {
	err := a.cfg.SwapIndices(x, y)
	if err != nil {
		return err
	}
	if a.opts.ConfigPath == "" {
		return nil
	}
	return a.cfg.Save(a.opts.ConfigPath)
}

func (a *App) showEditor(ctx context.Context, connErr error) {
	window := a.app.NewWindow("Servo Motion")

	v := &editorView{
		editor:   a.editor,
		window:   window,
		selected: -1,
		actions: &controllerWrapper{
			ctx:        ctx,
			editor:     a.editor,
			window:     window,
			logger:     a.logger,
			swapConfig: a.swapConfig,
		},
	}
	v.actions.notify = v.notify
	a.view = v

	window.SetContent(v.build(a.logs.accordion()))
	window.Resize(fyne.NewSize(1000, 640))

	v.unsubscribe = a.bus.Subscribe(events.TopicAll, func(events.Event) {
		fyne.Do(v.refresh)
	})
	v.timer = newTimer(a.editor.Cursor, v.updateCursor)
	v.timer.Go()

	window.SetOnClosed(func() {
		v.timer.Stop()
		v.unsubscribe()
		a.app.Quit()
	})
	window.Show()
	v.refresh()
	if len(v.channels) > 0 {
		v.channelList.Select(0)
	}

	if connErr != nil {
		v.notify(fmt.Sprintf("editing offline: %v", connErr))
	}
}

type editorView struct {
	editor  *editor.Editor
	actions *controllerWrapper
	window  fyne.Window

	channels  []keyframe.Channel
	keyframes []keyframe.Keyframe
	// channel indexes channels and selected indexes keyframes, -1 when no keyframe is selected
	channel  int
	selected int
	// set while widgets are updated from the store so their callbacks do not write back
	updating bool

	// playing disables editing while a sequence loads or plays
	playing bool
	editing []fyne.Disableable

	channelList  *widget.List
	keyframeList *widget.List
	nameEntry    *widget.Entry
	timeEntry    *widget.Entry
	valueEntry   *widget.Entry
	position     *widget.Slider
	positionText *widget.Label
	swapSelect   *widget.Select
	status       *canvas.Text
	message      *widget.Label
	messageID    int
	curve        *curveView

	timer       *timer
	unsubscribe func()
}

func (v *editorView) current() (keyframe.Channel, bool) {
	if v.channel < 0 || v.channel >= len(v.channels) {
		return keyframe.Channel{}, false
	}
	return v.channels[v.channel], true
}

// withChannel runs fn with the selected channel's index
func (v *editorView) withChannel(fn func(int)) func() {
	return func() {
		if c, ok := v.current(); ok {
			fn(c.Index)
		}
	}
}

// withKeyframe runs fn with the selected channel's index and keyframe
func (v *editorView) withKeyframe(fn func(int, int)) func() {
	return func() {
		c, ok := v.current()
		if ok && v.selected >= 0 {
			fn(c.Index, v.selected)
		}
	}
}

// notify shows a message until it is replaced or MessageTimeout passes
func (v *editorView) notify(text string) {
	v.messageID++
	id := v.messageID
	v.message.SetText(text)

	time.AfterFunc(MessageTimeout, func() {
		fyne.Do(func() {
			if v.messageID == id {
				v.message.SetText("")
			}
		})
	})
}

func (v *editorView) build(logs *widget.Accordion) fyne.CanvasObject {
	v.channelList = widget.NewList(
		func() int { return len(v.channels) },
		func() fyne.CanvasObject { return widget.NewLabel("") },
		func(i widget.ListItemID, o fyne.CanvasObject) {
			o.(*widget.Label).SetText(channelLabel(v.channels[i]))
		},
	)
	v.channelList.OnSelected = func(i widget.ListItemID) {
		v.channel = i
		v.selected = -1
		v.keyframeList.UnselectAll()
		v.refresh()
	}

	v.keyframeList = widget.NewList(
		func() int { return len(v.keyframes) },
		func() fyne.CanvasObject { return widget.NewLabel("") },
		func(i widget.ListItemID, o fyne.CanvasObject) {
			o.(*widget.Label).SetText(keyframeLabel(i, v.keyframes[i]))
		},
	)
	v.keyframeList.OnSelected = func(i widget.ListItemID) {
		v.selected = i
		v.refreshSelection()
	}
	v.keyframeList.OnUnselected = func(widget.ListItemID) {
		v.selected = -1
		v.refreshSelection()
	}

	v.nameEntry = widget.NewEntry()
	v.nameEntry.SetPlaceHolder("sequence name")
	v.nameEntry.OnChanged = func(s string) {
		if !v.updating {
			v.editor.SetName(s)
		}
	}

	v.timeEntry = widget.NewEntry()
	v.timeEntry.OnSubmitted = func(s string) {
		v.withKeyframe(func(ch, i int) { v.actions.SetTime(ch, i, s) })()
	}
	v.valueEntry = widget.NewEntry()
	v.valueEntry.OnSubmitted = func(s string) {
		v.withKeyframe(func(ch, i int) {
			applied := v.actions.SetValue(ch, i, s)
			v.valueEntry.SetText(strconv.Itoa(applied))
		})()
	}

	v.positionText = widget.NewLabel("")
	v.position = widget.NewSlider(0, 180)
	v.position.Step = 1
	v.position.OnChanged = func(value float64) {
		if v.updating {
			return
		}
		v.positionText.SetText(fmt.Sprintf("%.0f", value))
		c, ok := v.current()
		if !ok {
			return
		}
		if v.selected >= 0 {
			v.actions.DragKeyframe(c.Index, v.selected, value)
			return
		}
		v.actions.SetPosition(c.Index, value)
	}

	master := widget.NewSlider(0, 180)
	master.Step = 1
	master.SetValue(90)
	master.OnChangeEnded = v.actions.MasterAngle

	v.swapSelect = widget.NewSelect(nil, nil)
	v.swapSelect.PlaceHolder = "swap with"
	swapButton := widget.NewButton("Swap", func() {
		i := v.swapSelect.SelectedIndex()
		c, ok := v.current()
		if !ok || i < 0 || i >= len(v.channels) {
			return
		}
		v.actions.SwapChannels(c.Index, v.channels[i].Index)
		v.swapSelect.ClearSelected()
	})

	v.status = canvas.NewText("Idle", nil)
	v.message = widget.NewLabel("")
	v.message.Importance = widget.DangerImportance
	v.curve = newCurveView()

	record := widget.NewButton("Record", v.actions.Record)
	add := widget.NewButton("Add", v.withChannel(v.actions.AddKeyframe))
	remove := widget.NewButton("Remove", v.withKeyframe(v.actions.RemoveKeyframe))
	preview := widget.NewButton("Preview", v.withKeyframe(v.actions.Preview))
	play := widget.NewButton("Play", func() { v.actions.Play() })
	playChannel := widget.NewButton("Play Channel", v.withChannel(func(ch int) { v.actions.Play(ch) }))
	reset := widget.NewButton("Reset", v.actions.ResetToDefaults)
	clearButton := widget.NewButton("Clear", v.actions.Clear)
	open := widget.NewButton("Open", v.actions.Open)
	importButton := widget.NewButton("Import", v.actions.Import)

	v.editing = []fyne.Disableable{
		record, add, remove, preview, play, playChannel, reset, clearButton, open, importButton,
		v.position, master, v.swapSelect, swapButton,
	}

	toolbar := container.NewHBox(
		record,
		add,
		remove,
		preview,
		widget.NewSeparator(),
		play,
		playChannel,
		widget.NewButton("Stop", v.actions.Stop),
		widget.NewSeparator(),
		reset,
		clearButton,
		open,
		importButton,
		widget.NewButton("Save", v.actions.Save),
		widget.NewButton("Save As", v.actions.SaveAs),
	)

	details := container.NewVBox(
		widget.NewCard("Keyframe", "", container.NewVBox(
			container.NewGridWithColumns(2, widget.NewLabel("Time (ms):"), v.timeEntry),
			container.NewGridWithColumns(2, widget.NewLabel("Value:"), v.valueEntry),
		)),
		container.NewBorder(nil, nil, widget.NewLabel("Position"), v.positionText, v.position),
		container.NewBorder(nil, nil, nil, swapButton, v.swapSelect),
	)

	center := container.NewBorder(
		container.NewGridWrap(curveSize, v.curve.box),
		nil, nil, nil,
		container.NewGridWithColumns(2, v.keyframeList, details),
	)

	bottom := container.NewVBox(
		container.NewHBox(
			container.NewPadded(v.status),
			v.message,
			layout.NewSpacer(),
			widget.NewLabel("Master Angle"),
			container.NewGridWrap(fyne.NewSize(200, master.MinSize().Height), master),
		),
		logs,
	)

	left := container.NewBorder(widget.NewLabel("Channels"), nil, nil, nil, v.channelList)

	return container.NewBorder(
		container.NewVBox(toolbar, container.NewBorder(nil, nil, widget.NewLabel("Name:"), nil, v.nameEntry)),
		bottom,
		container.NewGridWrap(fyne.NewSize(220, 0), left),
		nil,
		center,
	)
}

// refresh reloads everything shown from the store
func (v *editorView) refresh() {
	store := v.editor.Store()

	v.channels = store.Channels()
	if v.channel >= len(v.channels) {
		v.channel = 0
	}

	v.playing = v.editor.Cursor().State.Active()
	setEnabled(!v.playing, v.editing...)

	options := make([]string, len(v.channels))
	for i, c := range v.channels {
		options[i] = fmt.Sprintf("%d  %s", c.Index, c.Name)
	}
	v.swapSelect.SetOptions(options)

	v.keyframes = nil
	if c, ok := v.current(); ok {
		v.keyframes, _ = store.Keyframes(c.Index)
		points, err := v.editor.Curve(c.Index)
		if err != nil {
			points = nil
		}
		v.curve.set(points, v.keyframes, c, store.TotalDuration())

		v.position.Min = float64(c.Min)
		v.position.Max = float64(c.Max)
	}
	if v.selected >= len(v.keyframes) {
		v.selected = -1
		v.keyframeList.UnselectAll()
	}

	v.channelList.Refresh()
	v.keyframeList.Refresh()
	v.refreshSelection()

	v.updating = true
	if name := v.editor.Name(); v.nameEntry.Text != name {
		v.nameEntry.SetText(name)
	}
	v.updating = false

	title := "Servo Motion"
	if path := v.editor.Path(); path != "" {
		title += " - " + path
	}
	if v.editor.Dirty() {
		title += " *"
	}
	if !v.editor.Connected() {
		title += " (offline)"
	}
	v.window.SetTitle(title)
}

// refreshSelection shows the selected keyframe, or the channel position when none is selected
func (v *editorView) refreshSelection() {
	v.updating = true
	defer func() { v.updating = false }()

	c, ok := v.current()
	if !ok {
		return
	}

	value := c.Position
	if v.selected >= 0 && v.selected < len(v.keyframes) {
		k := v.keyframes[v.selected]
		value = k.Value
		v.timeEntry.SetText(strconv.Itoa(k.Time))
		v.valueEntry.SetText(strconv.Itoa(k.Value))
		setEnabled(!v.playing, v.timeEntry, v.valueEntry)
	} else {
		v.timeEntry.SetText("")
		v.valueEntry.SetText("")
		v.timeEntry.Disable()
		v.valueEntry.Disable()
	}

	v.position.SetValue(float64(value))
	v.position.Refresh()
	v.positionText.SetText(strconv.Itoa(value))
}

func (v *editorView) updateCursor(c editor.Cursor) {
	v.status.Text = statusText(c)
	v.status.Color = stateColor(c.State)
	if v.status.Color == nil {
		v.status.Color = theme.Color(theme.ColorNameForeground)
	}
	v.status.Refresh()

	v.curve.setCursor(c)
}

// curveView draws one channel's motion curve, its keyframes and the playback cursor
type curveView struct {
	box      *fyne.Container
	cursor   *canvas.Line
	duration int
}

func newCurveView() *curveView {
	cursor := canvas.NewLine(colorCursor)
	cursor.StrokeWidth = 2
	cursor.Hide()

	return &curveView{
		box:    container.NewWithoutLayout(),
		cursor: cursor,
	}
}

func (cv *curveView) set(points []bezier.Point, kfs []keyframe.Keyframe, c keyframe.Channel, duration int) {
	cv.duration = duration

	background := canvas.NewRectangle(theme.Color(theme.ColorNameInputBackground))
	background.Resize(curveSize)
	objects := []fyne.CanvasObject{background}

	positions := plot(points, duration, c, curveSize)
	for i := 1; i < len(positions); i++ {
		line := canvas.NewLine(colorCurve)
		line.StrokeWidth = 2
		line.Position1 = positions[i-1]
		line.Position2 = positions[i]
		objects = append(objects, line)
	}

	anchors := make([]bezier.Point, 0, len(kfs))
	for _, k := range kfs {
		anchors = append(anchors, bezier.Point{Time: float64(k.Time), Value: float64(k.Value)})
	}
	for _, p := range plot(anchors, duration, c, curveSize) {
		dot := canvas.NewCircle(color.Transparent)
		dot.StrokeColor = colorCurve
		dot.StrokeWidth = 2
		dot.Resize(fyne.NewSize(8, 8))
		dot.Move(p.Subtract(fyne.NewPos(4, 4)))
		objects = append(objects, dot)
	}

	cv.box.Objects = append(objects, cv.cursor)
	cv.box.Refresh()
}

func (cv *curveView) setCursor(c editor.Cursor) {
	if !c.Active() || cv.duration <= 0 {
		cv.cursor.Hide()
		return
	}

	x := float32(float64(c.Elapsed.Milliseconds())/float64(cv.duration)) * curveSize.Width
	x = min(x, curveSize.Width)
	cv.cursor.Position1 = fyne.NewPos(x, 0)
	cv.cursor.Position2 = fyne.NewPos(x, curveSize.Height)
	cv.cursor.Show()
	cv.cursor.Refresh()
}
