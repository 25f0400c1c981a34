package store

import (
	"encoding/json"
	"os"
)

// WindowState remembers the GUI window geometry between runs.
type WindowState struct {
	Width     int  `json:"width"`
	Height    int  `json:"height"`
	X         int  `json:"x"`
	Y         int  `json:"y"`
	Maximized bool `json:"maximized,omitempty"`
}

// DefaultWindowState is used when no saved state exists.
func DefaultWindowState() WindowState {
	return WindowState{Width: 1100, Height: 760}
}

// LoadWindowState reads the saved geometry, falling back to defaults on
// any error.
func LoadWindowState(path string) WindowState {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultWindowState()
	}
	var ws WindowState
	if err := json.Unmarshal(data, &ws); err != nil || ws.Width <= 0 || ws.Height <= 0 {
		return DefaultWindowState()
	}
	return ws
}

// SaveWindowState persists the geometry atomically.
func SaveWindowState(path string, ws WindowState) error {
	data, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}
