package ui

import (
	"errors"
	"fmt"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/data/binding"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"
	"github.com/calvinmclean/servomotion/config"
	"github.com/calvinmclean/servomotion/connection"
)

type ConfigWindow struct {
	app      fyne.App
	OnSubmit func()
}

func NewConfigWindow(app fyne.App) *ConfigWindow {
	return &ConfigWindow{
		app: app,
	}
}

// loadConfigFromPreferences fills settings the config file left empty with the last submitted ones
func (cw *ConfigWindow) loadConfigFromPreferences(cfg *config.Config) {
	prefs := cw.app.Preferences()
	if cfg.Serial.Port == "" {
		cfg.Serial.Port = prefs.StringWithFallback("serialPort", "")
	}
	if cfg.Report.Addr == "" {
		cfg.Report.Addr = prefs.StringWithFallback("reportAddr", "")
	}
	cfg.Serial.BaudRate = prefs.IntWithFallback("baudRate", cfg.Serial.BaudRate)
}

func (cw *ConfigWindow) saveConfigToPreferences(cfg *config.Config) {
	prefs := cw.app.Preferences()
	prefs.SetString("serialPort", cfg.Serial.Port)
	prefs.SetInt("baudRate", cfg.Serial.BaudRate)
	prefs.SetString("reportAddr", cfg.Report.Addr)
}

func (cw *ConfigWindow) Show(cfg *config.Config) {
	window := cw.app.NewWindow("Servo Motion - Connection")
	window.Resize(fyne.NewSize(400, 200))
	window.SetCloseIntercept(func() {
		// Treat window close as cancel
		window.Close()
		cw.app.Quit()
	})
	window.Show()

	cw.loadConfigFromPreferences(cfg)

	serialPorts, err := connection.GetSerialPorts()
	if err != nil && !errors.Is(err, connection.ErrNoUSBSerial) {
		showError(cw.app, window, fmt.Errorf("error getting serial ports: %w", err))
		return
	}

	serialPorts = append(serialPorts, connection.SerialPortNone)

	serialEntry := widget.NewSelect(serialPorts, nil)
	if cfg.Serial.Port == "" {
		cfg.Serial.Port = serialPorts[0]
	}
	serialEntry.Bind(binding.BindString(&cfg.Serial.Port))

	baudRateEntry := widget.NewEntry()
	baudRateEntry.Bind(binding.IntToString(binding.BindInt(&cfg.Serial.BaudRate)))

	reportAddrEntry := widget.NewEntry()
	reportAddrEntry.SetPlaceHolder("optional")
	reportAddrEntry.Bind(binding.BindString(&cfg.Report.Addr))

	submitButton := widget.NewButton("Connect", func() {
		cw.saveConfigToPreferences(cfg)
		cw.OnSubmit()
		window.Close()
	})

	validateForm := func() {
		if cfg.Serial.Port != "" && cfg.Serial.BaudRate > 0 {
			submitButton.Enable()
			return
		}
		submitButton.Disable()
	}

	serialEntry.OnChanged = func(_ string) { validateForm() }
	baudRateEntry.OnChanged = func(_ string) { validateForm() }

	validateForm()

	form := container.NewVBox(
		widget.NewCard("Connection", "", container.NewVBox(
			container.NewGridWithColumns(2,
				widget.NewLabel("Serial Port:"),
				serialEntry,
			),
			container.NewGridWithColumns(2,
				widget.NewLabel("Baud Rate:"),
				baudRateEntry,
			),
			container.NewGridWithColumns(2,
				widget.NewLabel("Report Address:"),
				reportAddrEntry,
			),
		)),
		container.NewHBox(
			widget.NewButton("Cancel", func() {
				window.Close()
				cw.app.Quit()
			}),
			submitButton,
		),
	)

	window.SetContent(form)
}

func showError(app fyne.App, window fyne.Window, err error) {
	d := dialog.NewError(err, window)
	d.SetOnClosed(func() {
		app.Quit()
	})
	d.Show()
}
