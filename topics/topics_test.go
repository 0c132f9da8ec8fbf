package topics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNamespace_Topics(t *testing.T) {
	ns := Namespace{Facility: "gh-1", Zone: "zn-2", Node: "nd-ph-1"}

	assert.Equal(t, "hydro/gh-1/zn-2/nd-ph-1/ph_sensor/telemetry", ns.Telemetry("ph_sensor"))
	assert.Equal(t, "hydro/gh-1/zn-2/nd-ph-1/pump_acid/command_response", ns.CommandResponse("pump_acid"))
	assert.Equal(t, "hydro/gh-1/zn-2/nd-ph-1/+/command", ns.CommandFilter())
	assert.Equal(t, "hydro/gh-1/zn-2/nd-ph-1/status", ns.Status())
	assert.False(t, ns.IsPlaceholder())
	assert.True(t, Temp("abc").IsPlaceholder())
}

func TestParseCommand(t *testing.T) {
	ns, ch, ok := ParseCommand("hydro/gh-1/zn-2/nd-ph-1/pump_acid/command")
	assert.True(t, ok)
	assert.Equal(t, "pump_acid", ch)
	assert.Equal(t, "nd-ph-1", ns.Node)

	_, _, ok = ParseCommand("hydro/gh-1/zn-2/nd-ph-1/config")
	assert.False(t, ok)
	_, _, ok = ParseCommand("hydro/gh-1//nd/pump/command")
	assert.False(t, ok)
}

func TestIdentity_Subscriptions(t *testing.T) {
	id := NewIdentity(Temp("hw1"), "hw1")
	assert.Len(t, id.Subscriptions(), 1)

	changed, err := id.Set(Namespace{Facility: "gh", Zone: Placeholder, Node: "nd"})
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, id.Subscriptions(), 2)

	_, _ = id.Set(Namespace{Facility: "gh", Zone: "zn", Node: "nd"})
	assert.Equal(t, []Namespace{{Facility: "gh", Zone: "zn", Node: "nd"}}, id.Subscriptions())
}
