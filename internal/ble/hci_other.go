//go:build !linux

package ble

import "fmt"

// HCIAdapter is only available on Linux.
type HCIAdapter struct {
	Adapter
}

// NewHCIAdapter reports that raw HCI access is unsupported here.
func NewHCIAdapter() (*HCIAdapter, error) {
	return nil, fmt.Errorf("ble: hci backend: %w", ErrRadioUnsupported)
}
