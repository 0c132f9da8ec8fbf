package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddielth/nodecore/actuator"
	"github.com/eddielth/nodecore/bus"
	"github.com/eddielth/nodecore/calibration"
	"github.com/eddielth/nodecore/config"
	"github.com/eddielth/nodecore/diag"
	"github.com/eddielth/nodecore/link"
	"github.com/eddielth/nodecore/logger"
	"github.com/eddielth/nodecore/metrics"
	"github.com/eddielth/nodecore/mqtt"
	"github.com/eddielth/nodecore/node"
	"github.com/eddielth/nodecore/nodeconfig"
	"github.com/eddielth/nodecore/pump"
	"github.com/eddielth/nodecore/relay"
	"github.com/eddielth/nodecore/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "config.yaml", "node settings file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load settings: %v", err)
		os.Exit(1)
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		logger.Error("failed to initialize logger: %v", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := run(*configPath, cfg); err != nil {
		logger.Error("%v", err)
		logger.Close()
		os.Exit(1)
	}
}

func run(configPath string, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer kv.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	pumps, relays, err := buildActuators(ctx, cfg.Hardware, cfg.Commands.LockTimeout, kv, m)
	if err != nil {
		return err
	}

	calib, err := calibration.NewManager(cfg.Calibration)
	if err != nil {
		return fmt.Errorf("calibration scripts: %w", err)
	}

	netLink, err := link.Load(ctx, kv)
	if err != nil {
		return err
	}

	// Options are completed by the node once it knows its namespace.
	session := mqtt.NewClient(mqtt.Options{})

	n, err := node.New(ctx, node.Deps{
		Settings:    cfg,
		Session:     session,
		KV:          kv,
		Pumps:       pumps,
		Relays:      relays,
		Link:        netLink,
		Calibration: calib,
		Metrics:     m,
	})
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	var diagServer *diag.Server
	if cfg.Diag.Enabled {
		diagServer = diag.NewServer(cfg.Diag.Listen, n, reg)
		if err := diagServer.Start(); err != nil {
			logger.Warn("diagnostics not started: %v", err)
		}
	}

	err = config.WatchConfig(configPath, func(newCfg *config.Config) error {
		if lvl, err := logger.ParseLogLevel(newCfg.Logger.Level); err == nil {
			logger.SetLevel(lvl)
		}
		if err := calib.Reload(newCfg.Calibration); err != nil {
			return fmt.Errorf("calibration reload: %w", err)
		}
		logger.Info("hardware, broker and storage changes take effect after restart")
		return nil
	})
	if err != nil {
		logger.Warn("settings watcher not started: %v", err)
	} else {
		logger.Info("watching %s for changes", configPath)
	}

	logger.Info("node runtime started, hardware id %s", n.Identity().HardwareID())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	n.Stop()
	if diagServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = diagServer.Stop(shutdownCtx)
	}
	logger.Info("node runtime stopped")
	return nil
}

func openStorage(sc config.StorageConfig) (*storage.Manager, error) {
	primary, err := storage.Open(sc.Backend, sc.Target)
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", sc.Backend, err)
	}
	var mirrors []storage.Backend
	for _, mc := range sc.Mirrors {
		b, err := storage.Open(mc.Backend, mc.Target)
		if err != nil {
			// A mirror is optional; the node runs on the primary alone.
			logger.Warn("storage mirror %s unavailable: %v", mc.Backend, err)
			continue
		}
		mirrors = append(mirrors, b)
	}
	return storage.NewManager(primary, sc.OpTimeout, mirrors...), nil
}

// buildActuators binds the firmware pin table to expander outputs and
// current monitors. A nil driver means the node has no such outputs.
func buildActuators(ctx context.Context, hw config.HardwareConfig, lockTimeout time.Duration, kv pump.KV, m *metrics.Metrics) (*pump.Driver, *relay.Driver, error) {
	if len(hw.Pumps) == 0 && len(hw.Relays) == 0 {
		return nil, nil, nil
	}
	if hw.Bus != "sim" {
		return nil, nil, fmt.Errorf("hardware.bus %q is not supported by this build", hw.Bus)
	}

	sim := bus.NewSim()
	sim.Attach(hw.ExpanderAddr)
	b := bus.NewRetrying(sim, bus.RetryConfig{
		Attempts:  hw.Retry.Attempts,
		Delay:     hw.Retry.Delay,
		OpTimeout: hw.Retry.OpTimeout,
	}, m)

	// Every output starts at its de-energized level.
	var initial byte
	for _, p := range hw.Pumps {
		if actuator.Level(false, p.ActiveHigh) {
			initial |= 1 << p.Pin
		}
	}
	for _, r := range hw.Relays {
		if actuator.Level(false, r.ActiveHigh) {
			initial |= 1 << r.Pin
		}
	}
	exp := bus.NewExpander(b, hw.ExpanderAddr)
	if err := exp.Init(ctx, initial); err != nil {
		return nil, nil, err
	}

	var pumps *pump.Driver
	if len(hw.Pumps) > 0 {
		table := make([]pump.Hardware, 0, len(hw.Pumps))
		for _, p := range hw.Pumps {
			h := pump.Hardware{
				Channel:      p.Channel,
				Output:       exp.Pin(p.Pin),
				ActiveHigh:   p.ActiveHigh,
				MinCurrentMA: p.MinCurrentMA,
				MaxCurrentMA: p.MaxCurrentMA,
				Stabilize:    p.Stabilize,
			}
			if p.CurrentAddr != 0 {
				cm := bus.NewCurrentMonitor(b, p.CurrentAddr)
				if p.CurrentLSB > 0 {
					cm.LSB = p.CurrentLSB
				}
				// The simulated shunt reads mid-range so runs pass the check.
				sim.Attach(p.CurrentAddr)
				counts := uint16((p.MinCurrentMA + p.MaxCurrentMA) / 2 / cm.LSB)
				sim.Set(p.CurrentAddr, bus.RegCurrent, byte(counts>>8), byte(counts))
				h.Current = cm
			}
			table = append(table, h)
		}
		pumps = pump.New(table, kv, pump.Options{LockTimeout: lockTimeout}, m)
	}

	var relays *relay.Driver
	if len(hw.Relays) > 0 {
		table := make([]relay.Hardware, 0, len(hw.Relays))
		for _, r := range hw.Relays {
			kind := nodeconfig.FailSafeMode(r.Type)
			if kind == "" {
				kind = nodeconfig.NormallyOpen
			}
			table = append(table, relay.Hardware{
				Channel:    r.Channel,
				Output:     exp.Pin(r.Pin),
				ActiveHigh: r.ActiveHigh,
				RelayType:  kind,
			})
		}
		relays = relay.New(table, relay.Options{LockTimeout: lockTimeout}, m)
	}
	return pumps, relays, nil
}
