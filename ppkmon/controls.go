package main

import (
	"fmt"

	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"
)

// handleSupplyToggle toggles between source meter and ammeter mode.
func handleSupplyToggle(state *appState) {
	if state.meter == nil {
		return
	}

	wantSupply := !state.supplyMode
	if err := state.meter.SetSupplyMode(wantSupply); err != nil {
		dialog.ShowError(fmt.Errorf("failed to switch mode: %w", err), state.window)
		return
	}
	state.supplyMode = wantSupply

	updateControlStates(state)
}

// handlePowerToggle toggles DUT power.
func handlePowerToggle(state *appState) {
	if state.meter == nil {
		return
	}

	var err error
	if state.dutPowered {
		err = state.meter.PowerOff()
	} else {
		err = state.meter.PowerOn()
	}
	if err != nil {
		dialog.ShowError(fmt.Errorf("failed to toggle DUT power: %w", err), state.window)
		return
	}
	state.dutPowered = !state.dutPowered

	updateControlStates(state)
}

// handleReset collapses the measurement buffer to the latest reading.
func handleReset(state *appState) {
	if state.meter == nil {
		return
	}

	if err := state.meter.ResetMeasurements(); err != nil {
		dialog.ShowError(fmt.Errorf("failed to reset measurements: %w", err), state.window)
	}
}

// updateControlStates updates the visual state of the toggle buttons.
func updateControlStates(state *appState) {
	updateToggleButton(state.supplyBtn, state.supplyMode)
	updateToggleButton(state.powerBtn, state.dutPowered)
}

// updateToggleButton updates a single toggle button's visual state.
func updateToggleButton(btn *widget.Button, isOn bool) {
	if isOn {
		btn.Importance = widget.HighImportance
	} else {
		btn.Importance = widget.MediumImportance
	}
	btn.Refresh()
}
