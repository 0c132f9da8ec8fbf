// Package calibration runs per-channel JavaScript calibration scripts
// over raw sensor readings. A script defines calibrate(raw, channel) and
// returns either a number or {value, stable}.
package calibration

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/eddielth/nodecore/config"
	"github.com/eddielth/nodecore/logger"
)

var log = logger.Tag("calibration")

// Reading is a calibrated value.
type Reading struct {
	Value  float64
	Stable bool
}

// Manager holds one script runtime per channel.
type Manager struct {
	scripts map[string]*script
	mutex   sync.RWMutex
}

type script struct {
	// goja runtimes are not safe for concurrent use.
	mu         sync.Mutex
	vm         *goja.Runtime
	calibrate  goja.Callable
	scriptPath string
}

// NewManager compiles every configured script.
func NewManager(configs map[string]config.Script) (*Manager, error) {
	m := &Manager{scripts: make(map[string]*script)}
	for channel, cfg := range configs {
		s, err := load(cfg)
		if err != nil {
			return nil, fmt.Errorf("calibration for %s: %w", channel, err)
		}
		m.scripts[channel] = s
		log.Info("loaded calibration for channel %s", channel)
	}
	return m, nil
}

func load(cfg config.Script) (*script, error) {
	code := cfg.ScriptCode
	if code == "" {
		if cfg.ScriptPath == "" {
			return nil, fmt.Errorf("neither script_code nor script_path given")
		}
		b, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("read script %s: %w", cfg.ScriptPath, err)
		}
		code = string(b)
	}
	return newScript(code, cfg.ScriptPath)
}

func newScript(code, path string) (*script, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		log.Info("[JS] %s", msg)
	})

	_ = vm.Set("convertTemperature", func(value float64, fromUnit, toUnit string) float64 {
		var celsius float64
		switch strings.ToUpper(fromUnit) {
		case "C":
			celsius = value
		case "F":
			celsius = (value - 32) * 5 / 9
		case "K":
			celsius = value - 273.15
		default:
			return value
		}
		switch strings.ToUpper(toUnit) {
		case "F":
			return celsius*9/5 + 32
		case "K":
			return celsius + 273.15
		default:
			return celsius
		}
	})

	_ = vm.Set("validateRange", func(value, min, max float64) bool {
		return value >= min && value <= max
	})

	// Two-point linear calibration, the usual pH/EC probe fit.
	_ = vm.Set("linear", func(raw, raw1, ref1, raw2, ref2 float64) float64 {
		if raw2 == raw1 {
			return ref1
		}
		return ref1 + (raw-raw1)*(ref2-ref1)/(raw2-raw1)
	})

	if _, err := vm.RunString(code); err != nil {
		return nil, fmt.Errorf("run script: %w", err)
	}
	fn, ok := goja.AssertFunction(vm.Get("calibrate"))
	if !ok {
		return nil, fmt.Errorf("script does not define a calibrate function")
	}
	return &script{vm: vm, calibrate: fn, scriptPath: path}, nil
}

// Has reports whether channel has a script.
func (m *Manager) Has(channel string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.scripts[channel]
	return ok
}

// Calibrate converts raw for channel. Channels without a script pass the
// raw value through as stable.
func (m *Manager) Calibrate(channel string, raw float64) (Reading, error) {
	m.mutex.RLock()
	s, ok := m.scripts[channel]
	m.mutex.RUnlock()
	if !ok {
		return Reading{Value: raw, Stable: true}, nil
	}

	s.mu.Lock()
	res, err := s.calibrate(goja.Undefined(), s.vm.ToValue(raw), s.vm.ToValue(channel))
	var exported interface{}
	if err == nil {
		exported = res.Export()
	}
	s.mu.Unlock()
	if err != nil {
		return Reading{}, fmt.Errorf("calibrate %s: %w", channel, err)
	}

	r, err := toReading(exported)
	if err != nil {
		return Reading{}, fmt.Errorf("calibrate %s: %w", channel, err)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return Reading{}, fmt.Errorf("calibrate %s: result is not finite", channel)
	}
	return r, nil
}

func toReading(v interface{}) (Reading, error) {
	if f, ok := toFloat(v); ok {
		return Reading{Value: f, Stable: true}, nil
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return Reading{}, fmt.Errorf("unexpected result %T", v)
	}
	f, ok := toFloat(obj["value"])
	if !ok {
		return Reading{}, fmt.Errorf("result has no numeric value")
	}
	r := Reading{Value: f, Stable: true}
	if st, ok := obj["stable"].(bool); ok {
		r.Stable = st
	}
	return r, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// Reload replaces every script. On error the previous set stays active.
func (m *Manager) Reload(configs map[string]config.Script) error {
	next := make(map[string]*script, len(configs))
	for channel, cfg := range configs {
		s, err := load(cfg)
		if err != nil {
			return fmt.Errorf("calibration for %s: %w", channel, err)
		}
		next[channel] = s
	}
	m.mutex.Lock()
	m.scripts = next
	m.mutex.Unlock()
	log.Info("reloaded %d calibration scripts", len(next))
	return nil
}
