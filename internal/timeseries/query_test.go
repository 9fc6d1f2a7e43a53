package timeseries

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mantle-scada/mantle/internal/identity"
	"github.com/mantle-scada/mantle/internal/sparkplug"
)

func TestAutoIntervalSec(t *testing.T) {
	// One hour at the default 100 samples lands on 36 seconds.
	assert.Equal(t, int64(36), AutoIntervalSec(0, 3_600_000, 0))
	// Explicit sample count.
	assert.Equal(t, int64(60), AutoIntervalSec(0, 3_600_000, 60))
	// Narrow windows clamp to one second.
	assert.Equal(t, int64(1), AutoIntervalSec(0, 5_000, 100))
	assert.Equal(t, int64(1), AutoIntervalSec(0, 500, 100))
	// One day at defaults.
	assert.Equal(t, int64(864), AutoIntervalSec(0, 86_400_000, 0))
}

func TestRouteValue(t *testing.T) {
	col, arg := routeValue("Int32", sparkplug.IntValue(42))
	assert.Equal(t, "int_value", col)
	assert.Equal(t, int64(42), arg)

	// UInt64 beyond int64 range arrives promoted to float and must land
	// in the float column despite the integer type name.
	col, arg = routeValue("UInt64", sparkplug.FloatValue(1.8e19))
	assert.Equal(t, "float_value", col)
	assert.Equal(t, 1.8e19, arg)

	col, arg = routeValue("Double", sparkplug.FloatValue(3.5))
	assert.Equal(t, "float_value", col)
	assert.Equal(t, 3.5, arg)

	col, arg = routeValue("Boolean", sparkplug.BoolValue(true))
	assert.Equal(t, "bool_value", col)
	assert.Equal(t, true, arg)

	col, arg = routeValue("String", sparkplug.StringValue("running"))
	assert.Equal(t, "string_value", col)
	assert.Equal(t, "running", arg)

	// Unknown types fall back to text.
	col, _ = routeValue("DateTime", sparkplug.IntValue(1700000000000))
	assert.Equal(t, "string_value", col)
}

func TestScopeClause(t *testing.T) {
	clause, args := scopeClause(identity.Scope{Group: "g", Node: "n"})
	assert.Equal(t, "group_id = $1 AND node_id = $2", clause)
	assert.Equal(t, []any{"g", "n"}, args)

	clause, args = scopeClause(identity.Scope{Group: "g", Node: "n", Device: "d"})
	assert.Equal(t, "group_id = $1 AND node_id = $2 AND device_id = $3", clause)
	assert.Equal(t, []any{"g", "n", "d"}, args)

	clause, args = scopeClause(identity.Scope{Group: "g", Node: "n", Device: "d", Metric: "m"})
	assert.Equal(t, "group_id = $1 AND node_id = $2 AND device_id = $3 AND metric_id = $4", clause)
	assert.Equal(t, []any{"g", "n", "d", "m"}, args)

	// Node-level metric: empty device still pins the exact identity.
	clause, args = scopeClause(identity.Scope{Group: "g", Node: "n", Metric: "m"})
	assert.Equal(t, "group_id = $1 AND node_id = $2 AND device_id = $3 AND metric_id = $4", clause)
	assert.Equal(t, []any{"g", "n", "", "m"}, args)
}

func TestGroupByMonthNewestFirst(t *testing.T) {
	jan := int64(1_704_067_200_000) // 2024-01-01
	feb := int64(1_706_745_600_000) // 2024-02-01
	mar := int64(1_709_251_200_000) // 2024-03-01

	// Chunks arrive newest first from the catalog query; the monthly
	// breakdown keeps that order.
	months := groupByMonth([]chunkUsage{
		{startMs: mar, bytes: 30},
		{startMs: feb + 86_400_000, bytes: 25},
		{startMs: feb, bytes: 20},
		{startMs: jan, bytes: 10},
	})

	assert.Equal(t, []MonthUsage{
		{Month: "2024-03", Chunks: 1, Bytes: 30},
		{Month: "2024-02", Chunks: 2, Bytes: 45},
		{Month: "2024-01", Chunks: 1, Bytes: 10},
	}, months)
}

func TestStringifyColumns(t *testing.T) {
	i := int64(7)
	f := 2.5
	s := "idle"
	b := true
	assert.Equal(t, "7", stringifyColumns(&i, nil, nil, nil))
	assert.Equal(t, "2.5", stringifyColumns(nil, &f, nil, nil))
	assert.Equal(t, "idle", stringifyColumns(nil, nil, &s, nil))
	assert.Equal(t, "true", stringifyColumns(nil, nil, nil, &b))
	assert.Equal(t, "", stringifyColumns(nil, nil, nil, nil))
}
