package main

import (
	"github.com/charmbracelet/lipgloss"

	"edbridge/pkg/protocol"
)

// Theme defines the colors used by status and watch.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default theme.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// BridgeColor picks the color for a bridge lifecycle state.
func (t Theme) BridgeColor(s protocol.BridgeState) lipgloss.Color {
	switch s {
	case protocol.BridgeReady:
		return t.Success
	case protocol.BridgeWaitingWorker, protocol.BridgeBooting:
		return t.Warning
	default:
		return t.Error
	}
}

// WorkerColor picks the color for a worker lifecycle state.
func (t Theme) WorkerColor(s protocol.WorkerState) lipgloss.Color {
	switch s {
	case protocol.WorkerReady:
		return t.Success
	case protocol.WorkerCompiling, protocol.WorkerReloading:
		return t.Warning
	default:
		return t.Muted
	}
}
