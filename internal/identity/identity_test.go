package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRoundTrip(t *testing.T) {
	id := Identity{Group: "plant", Node: "line1", Device: "press", Metric: "temp"}
	parsed, err := ParseKey(id.Key())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	// Node-level metrics keep their empty device slot.
	nodeLevel := Identity{Group: "plant", Node: "line1", Metric: "status"}
	assert.Equal(t, "plant|line1||status", nodeLevel.Key())
	parsed, err = ParseKey(nodeLevel.Key())
	require.NoError(t, err)
	assert.Equal(t, nodeLevel, parsed)

	_, err = ParseKey("only|three|parts")
	assert.Error(t, err)
}

func TestCacheKeyRoundTrip(t *testing.T) {
	id := Identity{Group: "plant", Node: "line1", Device: "press", Metric: "temp"}
	key := id.CacheKey()
	assert.JSONEq(t, `{"group":"plant","node":"line1","device":"press","metric":"temp"}`, key)

	parsed, err := ParseCacheKey(key)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseCacheKey("not json")
	assert.Error(t, err)
	_, err = ParseCacheKey(`{"group":"g"}`)
	assert.Error(t, err, "mandatory fields must be present")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Identity{Group: "g", Node: "n", Metric: "m"}.Validate())
	assert.Error(t, Identity{Node: "n", Metric: "m"}.Validate())
	assert.Error(t, Identity{Group: "g", Metric: "m"}.Validate())
	assert.Error(t, Identity{Group: "g", Node: "n"}.Validate())

	assert.NoError(t, Scope{Group: "g", Node: "n"}.Validate())
	assert.Error(t, Scope{Group: "g"}.Validate())
}

func TestScopeContains(t *testing.T) {
	deviceMetric := Identity{Group: "g", Node: "n", Device: "d", Metric: "m"}
	nodeMetric := Identity{Group: "g", Node: "n", Metric: "m"}

	nodeScope := Scope{Group: "g", Node: "n"}
	assert.True(t, nodeScope.Contains(deviceMetric))
	assert.True(t, nodeScope.Contains(nodeMetric))
	assert.False(t, nodeScope.Contains(Identity{Group: "g", Node: "other", Metric: "m"}))

	deviceScope := Scope{Group: "g", Node: "n", Device: "d"}
	assert.True(t, deviceScope.Contains(deviceMetric))
	assert.False(t, deviceScope.Contains(nodeMetric))

	metricScope := Scope{Group: "g", Node: "n", Device: "d", Metric: "m"}
	assert.True(t, metricScope.Contains(deviceMetric))
	assert.False(t, metricScope.Contains(nodeMetric), "exact match includes the device slot")

	nodeMetricScope := Scope{Group: "g", Node: "n", Metric: "m"}
	assert.True(t, nodeMetricScope.Contains(nodeMetric))
	assert.False(t, nodeMetricScope.Contains(deviceMetric))
}

func TestHiddenKeyForms(t *testing.T) {
	assert.Equal(t, "node:g/n", Scope{Group: "g", Node: "n"}.HiddenKey())
	assert.Equal(t, "device:g/n/d", Scope{Group: "g", Node: "n", Device: "d"}.HiddenKey())
	assert.Equal(t, "g/n/d/m", Scope{Group: "g", Node: "n", Device: "d", Metric: "m"}.HiddenKey())
	assert.Equal(t, "g/n//m", Scope{Group: "g", Node: "n", Metric: "m"}.HiddenKey())
}

func TestParseHiddenKey(t *testing.T) {
	for _, sc := range []Scope{
		{Group: "g", Node: "n"},
		{Group: "g", Node: "n", Device: "d"},
		{Group: "g", Node: "n", Device: "d", Metric: "m"},
		{Group: "g", Node: "n", Metric: "m"},
	} {
		parsed, err := ParseHiddenKey(sc.HiddenKey())
		require.NoError(t, err)
		assert.Equal(t, sc, parsed)
	}

	_, err := ParseHiddenKey("node:only-group")
	assert.Error(t, err)
	_, err = ParseHiddenKey("g/n/d")
	assert.Error(t, err)
}

func TestScopeCovers(t *testing.T) {
	node := Scope{Group: "g", Node: "n"}
	device := Scope{Group: "g", Node: "n", Device: "d"}
	metric := Scope{Group: "g", Node: "n", Device: "d", Metric: "m"}

	assert.True(t, node.Covers(node))
	assert.True(t, node.Covers(device))
	assert.True(t, node.Covers(metric))
	assert.True(t, device.Covers(metric))
	assert.False(t, device.Covers(node))
	assert.False(t, metric.Covers(device))
	assert.True(t, metric.Covers(metric))
	assert.False(t, node.Covers(Scope{Group: "g", Node: "other"}))
}
