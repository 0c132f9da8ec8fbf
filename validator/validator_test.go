package validator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &doc))
	return doc
}

func TestFieldValidator(t *testing.T) {
	doc := decode(t, `{"mqtt":{"host":"broker","port":1883.5},"name":""}`)

	assert.NoError(t, FieldValidator{Path: "mqtt.host", Kind: String, Required: true}.Validate(doc))

	err := FieldValidator{Path: "mqtt.port", Kind: Integer, Required: true}.Validate(doc)
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "mqtt.port")

	err = FieldValidator{Path: "mqtt.user", Kind: String, Required: true}.Validate(doc)
	assert.EqualError(t, err, "field mqtt.user: required")

	assert.NoError(t, FieldValidator{Path: "mqtt.user", Kind: String}.Validate(doc))

	err = FieldValidator{Path: "name", Kind: String, NonEmpty: true}.Validate(doc)
	assert.EqualError(t, err, "field name: must not be empty")
}

func TestRangeAndOneOf(t *testing.T) {
	doc := decode(t, `{"port":70000,"type":"SENSOR"}`)

	err := RangeValidator{Path: "port", Min: 1, Max: 65535}.Validate(doc)
	assert.ErrorIs(t, err, ErrInvalid)

	assert.NoError(t, OneOf{Path: "type", Values: []string{"SENSOR", "ACTUATOR"}}.Validate(doc))
	assert.Error(t, OneOf{Path: "type", Values: []string{"ACTUATOR"}}.Validate(doc))
}

func TestChainAndPrefix(t *testing.T) {
	doc := decode(t, `{"name":"ph"}`)
	chain := Chain{
		FieldValidator{Path: "name", Kind: String, Required: true},
		FieldValidator{Path: "type", Kind: String, Required: true},
	}
	err := Prefixed{Prefix: "channels[0]", Inner: chain}.Validate(doc)
	assert.EqualError(t, err, "field channels[0].type: required")
}
