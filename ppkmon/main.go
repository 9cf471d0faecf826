package main

import (
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"
	"github.com/itohio/goppk2/pkg/config"
	"github.com/itohio/goppk2/pkg/meter"
	"github.com/itohio/goppk2/pkg/scope"
)

func main() {
	var (
		portFlag    = flag.String("p", "", "Serial port override (e.g., /dev/ttyACM0); empty auto-discovers")
		configFlag  = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag    = flag.Bool("mock", false, "Use mocked device instead of a real PPK2")
		voltageFlag = flag.Int("voltage", 0, "Target source voltage in mV (overrides config)")
	)
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Override serial port if provided via command line
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}

	if *mockFlag {
		cfg.Mock.Enabled = true
	}

	if *voltageFlag > 0 {
		cfg.Supply.TargetVoltageMillivolts = *voltageFlag
	}

	// Create Fyne application
	application := app.NewWithID("com.itohio.goppk2")

	// Create main window
	window := application.NewWindow("PPK2 Power Monitor")
	window.Resize(fyne.NewSize(1000, 600))
	window.CenterOnScreen()

	// Create application state
	appState := &appState{
		cfg:    cfg,
		window: window,
	}

	// Create toolbar
	toolbar := createToolbar(appState)

	// Create trace widget for the live current graph
	traceWidget := scope.New()
	appState.traceWidget = traceWidget

	// Create border layout with toolbar at top and trace widget as content
	content := container.NewBorder(
		toolbar,
		nil,
		nil,
		nil,
		traceWidget,
	)

	window.SetContent(content)
	window.SetCloseIntercept(func() {
		if appState.meter != nil {
			if err := appState.meter.Close(); err != nil {
				log.Printf("Failed to close meter: %v", err)
			}
			appState.meter = nil
		}
		window.Close()
	})
	window.ShowAndRun()
}

// appState holds the application state.
type appState struct {
	cfg         *config.Config
	meter       *meter.Meter
	traceWidget *scope.TraceWidget
	window      fyne.Window
	connectBtn  *widget.Button
	supplyBtn   *widget.Button
	powerBtn    *widget.Button
	resetBtn    *widget.Button
	supplyMode  bool
	dutPowered  bool

	// Throttling for trace updates
	lastUpdateTime time.Time
	updateMu       sync.Mutex
}

// createToolbar creates the application toolbar with Connect, Supply mode,
// DUT power, and Reset buttons.
func createToolbar(state *appState) fyne.CanvasObject {
	// Connect button with icon
	connectBtn := widget.NewButtonWithIcon("", theme.LoginIcon(), func() {
		handleConnect(state)
	})
	state.connectBtn = connectBtn

	// Supply mode toggle (source meter vs. plain ammeter)
	supplyBtn := widget.NewButton("Supply mode", func() {
		handleSupplyToggle(state)
	})
	supplyBtn.Disable()
	state.supplyBtn = supplyBtn

	// DUT power toggle
	powerBtn := widget.NewButtonWithIcon("DUT power", theme.RadioButtonIcon(), func() {
		handlePowerToggle(state)
	})
	powerBtn.Disable()
	state.powerBtn = powerBtn

	// Reset measurements
	resetBtn := widget.NewButtonWithIcon("", theme.ViewRefreshIcon(), func() {
		handleReset(state)
	})
	resetBtn.Disable()
	state.resetBtn = resetBtn

	// Toolbar with connect on the left and controls aligned to the right
	return container.NewBorder(
		nil, // top
		nil, // bottom
		container.NewHBox(connectBtn),                    // left
		container.NewHBox(supplyBtn, powerBtn, resetBtn), // right
		nil, // center (spacer)
	)
}

// handleConnect handles the connect/disconnect button click.
func handleConnect(state *appState) {
	if state.meter != nil {
		// Disconnect
		if err := state.meter.Close(); err != nil {
			log.Printf("Failed to close meter: %v", err)
		}
		state.meter = nil
		state.supplyBtn.Disable()
		state.powerBtn.Disable()
		state.resetBtn.Disable()
		state.supplyMode = false
		state.dutPowered = false
		updateControlStates(state)
		fmt.Println("Disconnected from PPK2")
		return
	}

	// Connect: resolves the device, starts measuring, launches the
	// acquisition loop.
	m, err := meter.Open(state.cfg)
	if err != nil {
		dialog.ShowError(fmt.Errorf("failed to open power meter: %w", err), state.window)
		return
	}
	state.meter = m
	if state.cfg.Mock.Enabled {
		fmt.Println("Connected to mocked PPK2")
	} else {
		fmt.Println("Connected to PPK2")
	}

	// Throttle trace updates to ~60 FPS to keep the UI responsive.
	const updateInterval = 16 * time.Millisecond
	m.OnUpdate(func(lastMilliamps float64) {
		state.updateMu.Lock()
		now := time.Now()
		tooSoon := now.Sub(state.lastUpdateTime) < updateInterval
		if !tooSoon {
			state.lastUpdateTime = now
		}
		state.updateMu.Unlock()
		if tooSoon {
			return
		}

		refreshTrace(state)
	})

	// Apply the configured starting mode. The meter programs the source
	// voltage before the mode switch.
	if state.cfg.Supply.SourceMode {
		if err := m.SetSupplyMode(true); err != nil {
			log.Printf("Failed to enter supply mode: %v", err)
		} else {
			state.supplyMode = true
		}
	}

	state.supplyBtn.Enable()
	state.powerBtn.Enable()
	state.resetBtn.Enable()
	updateControlStates(state)
}

// refreshTrace snapshots the meter and pushes the data to the trace
// widget on the main Fyne thread.
func refreshTrace(state *appState) {
	m := state.meter
	if m == nil {
		return
	}

	samples, err := m.SamplesMilliamps()
	if err != nil {
		// Meter was closed between the callback and now.
		return
	}
	minMA, _ := m.MinCurrentMilliamps()
	maxMA, _ := m.MaxCurrentMilliamps()
	avgMA, _ := m.AverageCurrentMilliamps()

	fyne.Do(func() {
		state.traceWidget.UpdateData(samples, minMA, maxMA, avgMA)
	})
}
