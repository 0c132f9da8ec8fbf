package nodeconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eddielth/nodecore/validator"
)

// ErrInvalid wraps every parse or validation failure.
var ErrInvalid = errors.New("invalid node config")

var documentRules = validator.Chain{
	validator.FieldValidator{Path: "node_id", Kind: validator.String, Required: true, NonEmpty: true},
	validator.FieldValidator{Path: "version", Kind: validator.Integer, Required: true},
	validator.RangeValidator{Path: "version", Min: 0, Max: 1 << 53},
	validator.FieldValidator{Path: "type", Kind: validator.String, Required: true, NonEmpty: true},
	validator.FieldValidator{Path: "gh_uid", Kind: validator.String, Required: true, NonEmpty: true},
	validator.FieldValidator{Path: "zone_uid", Kind: validator.String, Required: true, NonEmpty: true},
	validator.FieldValidator{Path: "channels", Kind: validator.Array, Required: true},
	validator.FieldValidator{Path: "wifi", Kind: validator.Object, Required: true},
	validator.FieldValidator{Path: "wifi.ssid", Kind: validator.String},
	validator.FieldValidator{Path: "wifi.password", Kind: validator.String},
	validator.FieldValidator{Path: "wifi.auto_reconnect", Kind: validator.Bool},
	validator.FieldValidator{Path: "wifi.timeout", Kind: validator.Integer},
	validator.FieldValidator{Path: "mqtt", Kind: validator.Object, Required: true},
	validator.FieldValidator{Path: "mqtt.host", Kind: validator.String, Required: true, NonEmpty: true},
	validator.FieldValidator{Path: "mqtt.port", Kind: validator.Integer, Required: true},
	validator.RangeValidator{Path: "mqtt.port", Min: 1, Max: 65535},
	validator.FieldValidator{Path: "mqtt.keepalive", Kind: validator.Integer},
	validator.RangeValidator{Path: "mqtt.keepalive", Min: 0, Max: 65535},
	validator.FieldValidator{Path: "mqtt.username", Kind: validator.String},
	validator.FieldValidator{Path: "mqtt.password", Kind: validator.String},
	validator.FieldValidator{Path: "mqtt.use_tls", Kind: validator.Bool},
}

var channelRules = validator.Chain{
	validator.FieldValidator{Path: "name", Kind: validator.String, Required: true, NonEmpty: true},
	validator.FieldValidator{Path: "type", Kind: validator.String, Required: true},
	validator.OneOf{Path: "type", Values: []string{string(Sensor), string(Actuator)}},
	validator.OneOf{Path: "actuator_type", Values: []string{
		string(Relay), string(Pump), string(PWM), string(Fan), string(Heater), string(LED), string(Valve),
	}},
	validator.OneOf{Path: "fail_safe_mode", Values: []string{string(NormallyClosed), string(NormallyOpen)}},
	validator.FieldValidator{Path: "safe_limits", Kind: validator.Object},
	validator.FieldValidator{Path: "safe_limits.max_duration_ms", Kind: validator.Integer},
	validator.RangeValidator{Path: "safe_limits.max_duration_ms", Min: 0, Max: 24 * 3600 * 1000},
	validator.FieldValidator{Path: "safe_limits.min_off_ms", Kind: validator.Integer},
	validator.RangeValidator{Path: "safe_limits.min_off_ms", Min: 0, Max: 24 * 3600 * 1000},
	validator.FieldValidator{Path: "ml_per_second", Kind: validator.Number},
	validator.RangeValidator{Path: "ml_per_second", Min: 0, Max: 1000},
	validator.FieldValidator{Path: "poll_interval_ms", Kind: validator.Integer},
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalid, err)
}

// Validate checks required fields and types without building a NodeConfig.
func Validate(raw []byte) error {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return invalid(err)
	}
	if doc == nil {
		return invalid(errors.New("document must be an object"))
	}
	if err := documentRules.Validate(doc); err != nil {
		return invalid(err)
	}

	seen := make(map[string]bool)
	for i, item := range doc["channels"].([]interface{}) {
		ch, ok := item.(map[string]interface{})
		if !ok {
			return invalid(fmt.Errorf("channels[%d] must be object", i))
		}
		prefix := fmt.Sprintf("channels[%d]", i)
		if err := (validator.Prefixed{Prefix: prefix, Inner: channelRules}).Validate(ch); err != nil {
			return invalid(err)
		}
		name := ch["name"].(string)
		if seen[name] {
			return invalid(fmt.Errorf("%s.name: duplicate channel %q", prefix, name))
		}
		seen[name] = true
		if ch["type"] == string(Actuator) {
			if _, ok := ch["actuator_type"]; !ok {
				return invalid(fmt.Errorf("%s.actuator_type: required for ACTUATOR", prefix))
			}
		}
	}
	return nil
}

// Parse validates raw and decodes it. The returned config keeps raw so it
// can be persisted byte for byte.
func Parse(raw []byte) (*NodeConfig, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	var cfg NodeConfig
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&cfg); err != nil {
		return nil, invalid(err)
	}
	cfg.raw = append(json.RawMessage(nil), raw...)
	return &cfg, nil
}
