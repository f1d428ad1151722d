package reliability

import "fmt"

// BackpressureConfig governs the per-endpoint mailbox depth gate.
type BackpressureConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	MaxMailboxSize    int     `mapstructure:"max_mailbox_size" yaml:"max_mailbox_size"`
	PressureWarningAt float64 `mapstructure:"pressure_warning_at" yaml:"pressure_warning_at"`
}

// DefaultBackpressure returns the backpressure defaults.
func DefaultBackpressure() BackpressureConfig {
	return BackpressureConfig{
		Enabled:           true,
		MaxMailboxSize:    1000,
		PressureWarningAt: 0.8,
	}
}

// BackpressureResult is the outcome of one backpressure check.
// Warn means the pipeline should emit a backpressure signal even
// though the delivery proceeds.
type BackpressureResult struct {
	Allowed  bool
	Pressure float64
	Warn     bool
	Reason   string
}

// CheckBackpressure gates a delivery on the endpoint's current new/
// depth. Pure: the caller derives the size from the index. A
// non-positive max reports zero pressure and always allows.
func CheckBackpressure(currentSize int, cfg BackpressureConfig) BackpressureResult {
	if !cfg.Enabled {
		return BackpressureResult{Allowed: true}
	}
	if cfg.MaxMailboxSize <= 0 {
		return BackpressureResult{Allowed: true, Pressure: 0}
	}

	pressure := float64(currentSize) / float64(cfg.MaxMailboxSize)
	if pressure > 1.0 {
		pressure = 1.0
	}
	if currentSize >= cfg.MaxMailboxSize {
		return BackpressureResult{
			Allowed:  false,
			Pressure: pressure,
			Reason:   fmt.Sprintf("mailbox full (%d/%d)", currentSize, cfg.MaxMailboxSize),
		}
	}
	return BackpressureResult{
		Allowed:  true,
		Pressure: pressure,
		Warn:     pressure >= cfg.PressureWarningAt,
	}
}
