package node

import (
	"context"
	"errors"
	"time"

	"github.com/eddielth/nodecore/command"
	"github.com/eddielth/nodecore/pump"
	"github.com/eddielth/nodecore/relay"
	"github.com/eddielth/nodecore/state"
)

var (
	runPumpParams = command.MustCompileSchema(`{
		"type": "object",
		"required": ["duration_ms"],
		"properties": {"duration_ms": {"type": "integer"}}
	}`)
	doseParams = command.MustCompileSchema(`{
		"type": "object",
		"properties": {"ml": {"type": "number"}, "volume_ml": {"type": "number"}},
		"anyOf": [{"required": ["ml"]}, {"required": ["volume_ml"]}]
	}`)
	calibrateParams = command.MustCompileSchema(`{
		"type": "object",
		"required": ["ml", "duration_ms"],
		"properties": {"ml": {"type": "number"}, "duration_ms": {"type": "integer"}}
	}`)
	setRelayParams = command.MustCompileSchema(`{
		"type": "object",
		"required": ["state"],
		"properties": {
			"state": {"type": "string"},
			"duration_ms": {"type": "integer", "minimum": 0}
		}
	}`)
)

func (n *Node) registerCommands() {
	if n.pumps != nil {
		n.cmds.RegisterWithSchema("run_pump", runPumpParams, n.runPump)
		n.cmds.RegisterWithSchema("dose", doseParams, n.dose)
		n.cmds.Register("stop_pump", n.stopPump)
		n.cmds.RegisterWithSchema("calibrate_pump", calibrateParams, n.calibratePump)
	}
	if n.relays != nil {
		n.cmds.RegisterWithSchema("set_relay", setRelayParams, n.setRelay)
		n.cmds.Register("toggle_relay", n.toggleRelay)
	}
	n.cmds.Register("emergency_stop", n.emergencyStop)
	n.cmds.Register(command.ExitSafeMode, n.exitSafeMode)
	n.cmds.Register("get_status", n.getStatus)
}

// pumpError attaches the data a client needs to act on a pump failure
// and reports driver faults to the state manager.
func (n *Node) pumpError(channel string, err error) error {
	var cd *pump.CooldownError
	if errors.As(err, &cd) {
		return &command.CodedError{Code: cd.ErrorCode(), Message: err.Error(), Data: map[string]interface{}{
			"channel": channel, "cooldown_ms": cd.Remaining.Milliseconds(),
		}}
	}

	var pe *pump.Error
	if !errors.As(err, &pe) {
		return err
	}
	data := map[string]interface{}{"channel": channel}
	switch pe {
	case pump.ErrCurrentNotDetected, pump.ErrOvercurrent, pump.ErrCurrentSensor:
		if st, ok := n.pumps.State(channel); ok {
			data["current_ma"] = st.LastCurrentMA
		}
		n.state.ReportErrorDetails(state.Warning, "pump", pe.Code, err.Error(), data)
	case pump.ErrOutput:
		n.state.ReportErrorDetails(state.Err, "pump", pe.Code, err.Error(), data)
	}
	return &command.CodedError{Code: pe.Code, Message: err.Error(), Data: data}
}

func (n *Node) runPump(ctx context.Context, cmd *command.Command, done *command.Completion) (command.Result, error) {
	var p struct {
		DurationMs int64 `json:"duration_ms"`
	}
	if err := cmd.Decode(&p); err != nil {
		return command.Result{}, err
	}
	info, err := n.pumps.Run(ctx, cmd.Channel, time.Duration(p.DurationMs)*time.Millisecond, done)
	if err != nil {
		return command.Result{}, n.pumpError(cmd.Channel, err)
	}
	return command.Accept(runData(cmd.Channel, info)), nil
}

func runData(channel string, info pump.RunInfo) map[string]interface{} {
	data := map[string]interface{}{
		"channel":     channel,
		"duration_ms": info.Duration.Milliseconds(),
		"clamped":     info.Clamped,
		"queued":      false,
	}
	if info.Sensed {
		data["current_ma"] = info.CurrentMA
	}
	return data
}

func (n *Node) dose(ctx context.Context, cmd *command.Command, done *command.Completion) (command.Result, error) {
	var p struct {
		Ml       float64 `json:"ml"`
		VolumeMl float64 `json:"volume_ml"`
	}
	if err := cmd.Decode(&p); err != nil {
		return command.Result{}, err
	}
	ml := p.Ml
	if ml == 0 {
		ml = p.VolumeMl
	}
	info, err := n.pumps.Dose(ctx, cmd.Channel, ml, done)
	if err != nil {
		return command.Result{}, n.pumpError(cmd.Channel, err)
	}
	data := runData(cmd.Channel, info)
	data["ml"] = ml
	return command.Accept(data), nil
}

func (n *Node) stopPump(ctx context.Context, cmd *command.Command, _ *command.Completion) (command.Result, error) {
	ran, err := n.pumps.Stop(ctx, cmd.Channel)
	if errors.Is(err, pump.ErrNotRunning) {
		return command.Result{Status: command.NoEffect, ErrorCode: pump.ErrNotRunning.Code}, nil
	}
	if err != nil {
		return command.Result{}, n.pumpError(cmd.Channel, err)
	}
	return command.OK(map[string]interface{}{"channel": cmd.Channel, "ran_ms": ran.Milliseconds()}), nil
}

func (n *Node) calibratePump(ctx context.Context, cmd *command.Command, _ *command.Completion) (command.Result, error) {
	var p struct {
		Ml         float64 `json:"ml"`
		DurationMs int64   `json:"duration_ms"`
	}
	if err := cmd.Decode(&p); err != nil {
		return command.Result{}, err
	}
	rate, err := n.pumps.Calibrate(ctx, cmd.Channel, p.Ml, time.Duration(p.DurationMs)*time.Millisecond)
	if err != nil {
		return command.Result{}, n.pumpError(cmd.Channel, err)
	}
	return command.OK(map[string]interface{}{"channel": cmd.Channel, "ml_per_second": rate}), nil
}

func (n *Node) setRelay(ctx context.Context, cmd *command.Command, done *command.Completion) (command.Result, error) {
	var p struct {
		State      string `json:"state"`
		DurationMs int64  `json:"duration_ms"`
	}
	if err := cmd.Decode(&p); err != nil {
		return command.Result{}, err
	}
	s, err := relay.ParseState(p.State)
	if err != nil {
		return command.Result{}, err
	}
	timed, err := n.relays.SetState(ctx, cmd.Channel, s, time.Duration(p.DurationMs)*time.Millisecond, done)
	if err != nil {
		if errors.Is(err, relay.ErrOutput) {
			n.state.ReportError(state.Err, "relay", relay.ErrOutput.Code, err.Error())
		}
		return command.Result{}, err
	}
	data := map[string]interface{}{"channel": cmd.Channel, "state": s.String()}
	if timed {
		data["duration_ms"] = p.DurationMs
		return command.Accept(data), nil
	}
	return command.OK(data), nil
}

func (n *Node) toggleRelay(ctx context.Context, cmd *command.Command, _ *command.Completion) (command.Result, error) {
	s, err := n.relays.Toggle(ctx, cmd.Channel)
	if err != nil {
		return command.Result{}, err
	}
	return command.OK(map[string]interface{}{"channel": cmd.Channel, "state": s.String()}), nil
}

func (n *Node) emergencyStop(context.Context, *command.Command, *command.Completion) (command.Result, error) {
	if err := n.disableActuators(); err != nil {
		n.state.ReportError(state.Err, "actuators", "emergency_stop_incomplete", err.Error())
		return command.Result{}, err
	}
	return command.OK(nil), nil
}

func (n *Node) exitSafeMode(context.Context, *command.Command, *command.Completion) (command.Result, error) {
	err := n.state.ExitSafeMode()
	if errors.Is(err, state.ErrNotInSafeMode) {
		return command.Result{Status: command.NoEffect, ErrorCode: "not_in_safe_mode"}, nil
	}
	if err != nil {
		return command.Result{}, err
	}
	return command.OK(map[string]interface{}{"state": state.Running.String()}), nil
}

func (n *Node) getStatus(context.Context, *command.Command, *command.Completion) (command.Result, error) {
	return command.OK(n.Status()), nil
}

// Status is the snapshot served by get_status and the diagnostics
// endpoint.
func (n *Node) Status() map[string]interface{} {
	st := map[string]interface{}{
		"state":             n.state.State().String(),
		"reason":            n.state.Reason(),
		"hardware_id":       n.identity.HardwareID(),
		"namespace":         n.identity.Get().Base(),
		"config_version":    n.store.Version(),
		"fw_version":        n.settings.Node.FWVersion,
		"errors":            n.state.Snapshot(),
		"in_flight":         n.cmds.InFlight(),
		"telemetry_backlog": n.tele.Pending(),
		"connected":         n.session.IsConnected(),
		"commands":          n.cmds.Registered(),
	}
	if !n.started.IsZero() {
		st["uptime"] = int64(time.Since(n.started).Seconds())
	}
	if n.pumps != nil {
		st["pumps"] = n.pumps.States()
	}
	if n.relays != nil {
		st["relays"] = n.relays.States()
	}
	if n.caps.Diagnostics != nil {
		st["diagnostics"] = n.caps.Diagnostics()
	}
	return st
}
