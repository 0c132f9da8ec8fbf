package pump

import (
	"fmt"
	"time"
)

// Error is a pump failure carrying a wire error code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return "pump: " + e.Message }

// ErrorCode returns the wire error code.
func (e *Error) ErrorCode() string { return e.Code }

var (
	ErrNotFound           = &Error{"not_found", "no pump channels on this node"}
	ErrUnknownChannel     = &Error{"unknown_channel", "unknown pump channel"}
	ErrBusy               = &Error{"pump_busy", "channel already running"}
	ErrNotRunning         = &Error{"not_running", "channel is not running"}
	ErrInvalidDuration    = &Error{"invalid_duration", "duration must be positive"}
	ErrNoCalibration      = &Error{"not_calibrated", "channel has no ml_per_second calibration"}
	ErrCurrentNotDetected = &Error{"current_not_detected", "pump current below minimum"}
	ErrOvercurrent        = &Error{"overcurrent", "pump current above maximum"}
	ErrCurrentSensor      = &Error{"current_sensor_error", "current sensor read failed"}
	ErrOutput             = &Error{"output_fault", "output write failed"}
	ErrEmergencyStop      = &Error{"emergency_stop", "emergency stop"}
	ErrLockTimeout        = &Error{"busy", "pump table lock timeout"}
	ErrForcedOff          = &Error{"forced_off", "output forced off while the pump table was locked"}
	ErrInvalidCalibration = &Error{"invalid_params", "calibration volume and duration must be positive"}
)

// CooldownError rejects a run during the channel's minimum off time.
type CooldownError struct {
	Channel   string
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("pump: %s in cooldown for %dms", e.Channel, e.Remaining.Milliseconds())
}

// ErrorCode returns the wire error code.
func (e *CooldownError) ErrorCode() string { return "cooldown_active" }
