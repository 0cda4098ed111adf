package ui

import (
	"fmt"
	"strings"
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/widget"
	"github.com/sirupsen/logrus"
)

const maxLogLines = 200

// logView is a logrus hook that keeps recent log lines for the log panel
type logView struct {
	mu       sync.Mutex
	lines    []string
	onChange func(string)
}

var _ logrus.Hook = &logView{}

func (l *logView) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
		logrus.InfoLevel,
	}
}

func (l *logView) Fire(entry *logrus.Entry) error {
	line := fmt.Sprintf("%s %-5s %s", entry.Time.Format("15:04:05"), strings.ToUpper(entry.Level.String()), entry.Message)
	if err, ok := entry.Data[logrus.ErrorKey].(error); ok {
		line += ": " + err.Error()
	}

	l.mu.Lock()
	l.lines = append(l.lines, line)
	if len(l.lines) > maxLogLines {
		l.lines = l.lines[len(l.lines)-maxLogLines:]
	}
	text := strings.Join(l.lines, "\n")
	onChange := l.onChange
	l.mu.Unlock()

	if onChange != nil {
		onChange(text)
	}
	return nil
}

func (l *logView) Text() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

// accordion shows the log lines and follows new ones
func (l *logView) accordion() *widget.Accordion {
	logContent := widget.NewLabel(l.Text())
	logScroll := container.NewVScroll(logContent)
	logScroll.SetMinSize(fyne.NewSize(300, 100))

	l.mu.Lock()
	l.onChange = func(text string) {
		fyne.Do(func() {
			logContent.SetText(text)
			logScroll.ScrollToBottom()
		})
	}
	l.mu.Unlock()

	return widget.NewAccordion(
		widget.NewAccordionItem("Logs", logScroll),
	)
}
