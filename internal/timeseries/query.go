package timeseries

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mantle-scada/mantle/internal/identity"
)

// WindowRequest describes one history query. Start and End are
// milliseconds since epoch; the window is inclusive on both edges.
// IntervalSec of zero derives the interval from Samples.
type WindowRequest struct {
	Identity    identity.Identity
	Start       int64
	End         int64
	IntervalSec int64
	Samples     int
	Raw         bool
}

// Point is one returned sample. Values always stringify so callers see a
// uniform shape regardless of the stored column.
type Point struct {
	Ts    int64  `json:"ts"`
	Value string `json:"value"`
}

// DefaultSamples is the target point count when the caller gives neither
// an interval nor a sample count.
const DefaultSamples = 100

// AutoIntervalSec derives a bucket interval targeting the given sample
// count across the window, clamped to at least one second.
func AutoIntervalSec(start, end int64, samples int) int64 {
	if samples <= 0 {
		samples = DefaultSamples
	}
	iv := (end - start) / (1000 * int64(samples))
	if iv < 1 {
		iv = 1
	}
	return iv
}

// History runs a windowed (or raw) query for one metric. Windowed mode
// buckets samples and averages numerics; the first bucket is clamped to
// the window start. When a sample exists strictly before the window, a
// synthetic point at Start carries its value so charts have a left edge.
func (s *Store) History(ctx context.Context, req WindowRequest) ([]Point, error) {
	if err := req.Identity.Validate(); err != nil {
		return nil, err
	}
	if req.End <= req.Start {
		return nil, fmt.Errorf("window end %d not after start %d", req.End, req.Start)
	}

	var points []Point
	var err error
	if req.Raw {
		points, err = s.rawHistory(ctx, req)
	} else {
		points, err = s.bucketedHistory(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return s.fillLeftEdge(ctx, req, points)
}

func (s *Store) rawHistory(ctx context.Context, req WindowRequest) ([]Point, error) {
	id := req.Identity
	rows, err := s.pool.Query(ctx, `
		SELECT ts, int_value, float_value, string_value, bool_value
		FROM history
		WHERE group_id = $1 AND node_id = $2 AND device_id = $3 AND metric_id = $4
		  AND ts >= $5 AND ts <= $6
		ORDER BY ts`,
		id.Group, id.Node, id.Device, id.Metric, req.Start, req.End)
	if err != nil {
		return nil, fmt.Errorf("query history %s: %w", id.Key(), err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var ts int64
		var iv *int64
		var fv *float64
		var sv *string
		var bv *bool
		if err := rows.Scan(&ts, &iv, &fv, &sv, &bv); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		points = append(points, Point{Ts: ts, Value: stringifyColumns(iv, fv, sv, bv)})
	}
	return points, rows.Err()
}

func (s *Store) bucketedHistory(ctx context.Context, req WindowRequest) ([]Point, error) {
	intervalSec := req.IntervalSec
	if intervalSec <= 0 {
		intervalSec = AutoIntervalSec(req.Start, req.End, req.Samples)
	}
	widthMs := intervalSec * 1000

	// time_bucket needs the extension; integer division buckets the same
	// way on plain Postgres.
	bucketExpr := "(ts / $5) * $5"
	if s.timescale {
		bucketExpr = "time_bucket($5::bigint, ts)"
	}
	id := req.Identity
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s AS bucket,
		       AVG(COALESCE(float_value, int_value::float8, bool_value::int::float8)) AS num,
		       MAX(string_value) AS str
		FROM history
		WHERE group_id = $1 AND node_id = $2 AND device_id = $3 AND metric_id = $4
		  AND ts >= $6 AND ts <= $7
		GROUP BY bucket
		ORDER BY bucket`, bucketExpr),
		id.Group, id.Node, id.Device, id.Metric, widthMs, req.Start, req.End)
	if err != nil {
		return nil, fmt.Errorf("query history %s: %w", id.Key(), err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var bucket int64
		var num *float64
		var str *string
		if err := rows.Scan(&bucket, &num, &str); err != nil {
			return nil, fmt.Errorf("scan bucket row: %w", err)
		}
		// Buckets align to the epoch, so the first one may begin before
		// the requested window.
		if bucket < req.Start {
			bucket = req.Start
		}
		p := Point{Ts: bucket}
		switch {
		case num != nil:
			p.Value = strconv.FormatFloat(*num, 'f', -1, 64)
		case str != nil:
			p.Value = *str
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// fillLeftEdge prepends a synthetic point at the window start carrying
// the most recent value from before the window, unless a real point
// already sits on the start edge.
func (s *Store) fillLeftEdge(ctx context.Context, req WindowRequest, points []Point) ([]Point, error) {
	if len(points) > 0 && points[0].Ts == req.Start {
		return points, nil
	}
	id := req.Identity
	var iv *int64
	var fv *float64
	var sv *string
	var bv *bool
	err := s.pool.QueryRow(ctx, `
		SELECT int_value, float_value, string_value, bool_value
		FROM history
		WHERE group_id = $1 AND node_id = $2 AND device_id = $3 AND metric_id = $4
		  AND ts < $5
		ORDER BY ts DESC
		LIMIT 1`,
		id.Group, id.Node, id.Device, id.Metric, req.Start).Scan(&iv, &fv, &sv, &bv)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return points, nil
		}
		return nil, fmt.Errorf("query left edge %s: %w", id.Key(), err)
	}
	edge := Point{Ts: req.Start, Value: stringifyColumns(iv, fv, sv, bv)}
	return append([]Point{edge}, points...), nil
}

func stringifyColumns(iv *int64, fv *float64, sv *string, bv *bool) string {
	switch {
	case iv != nil:
		return strconv.FormatInt(*iv, 10)
	case fv != nil:
		return strconv.FormatFloat(*fv, 'f', -1, 64)
	case bv != nil:
		return strconv.FormatBool(*bv)
	case sv != nil:
		return *sv
	default:
		return ""
	}
}

// MonthUsage summarises chunk storage for one calendar month.
type MonthUsage struct {
	Month  string `json:"month"`
	Chunks int    `json:"chunks"`
	Bytes  int64  `json:"bytes"`
}

// Usage reports approximate row counts and, on timescaledb, per-month
// chunk storage derived from chunk start times.
type Usage struct {
	HistoryRows  int64        `json:"historyRows"`
	PropertyRows int64        `json:"propertyRows"`
	Months       []MonthUsage `json:"months,omitempty"`
}

// Usage collects storage usage. Row counts are approximate; on plain
// Postgres they come from planner statistics and may lag ANALYZE.
func (s *Store) Usage(ctx context.Context) (Usage, error) {
	var u Usage
	var err error
	if s.timescale {
		if err = s.pool.QueryRow(ctx, "SELECT approximate_row_count('history')").Scan(&u.HistoryRows); err != nil {
			return u, fmt.Errorf("count history rows: %w", err)
		}
		if err = s.pool.QueryRow(ctx, "SELECT approximate_row_count('history_properties')").Scan(&u.PropertyRows); err != nil {
			return u, fmt.Errorf("count property rows: %w", err)
		}
		if u.Months, err = s.monthlyUsage(ctx); err != nil {
			return u, err
		}
		return u, nil
	}

	const approx = "SELECT GREATEST(reltuples, 0)::bigint FROM pg_class WHERE relname = $1"
	if err = s.pool.QueryRow(ctx, approx, "history").Scan(&u.HistoryRows); err != nil {
		return u, fmt.Errorf("count history rows: %w", err)
	}
	if err = s.pool.QueryRow(ctx, approx, "history_properties").Scan(&u.PropertyRows); err != nil {
		return u, fmt.Errorf("count property rows: %w", err)
	}
	return u, nil
}

func (s *Store) monthlyUsage(ctx context.Context) ([]MonthUsage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.range_start_integer, COALESCE(d.total_bytes, 0)
		FROM timescaledb_information.chunks c
		LEFT JOIN chunks_detailed_size('history') d
		  ON d.chunk_schema = c.chunk_schema AND d.chunk_name = c.chunk_name
		WHERE c.hypertable_name = 'history'
		ORDER BY c.range_start_integer DESC`)
	if err != nil {
		return nil, fmt.Errorf("query chunk usage: %w", err)
	}
	defer rows.Close()

	var chunks []chunkUsage
	for rows.Next() {
		var c chunkUsage
		if err := rows.Scan(&c.startMs, &c.bytes); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		chunks = append(chunks, c)
	}
	return groupByMonth(chunks), rows.Err()
}

type chunkUsage struct {
	startMs int64
	bytes   int64
}

// groupByMonth folds chunk rows into per-month totals, keeping the
// input order. Chunks arrive newest first, so the breakdown is newest
// month first.
func groupByMonth(chunks []chunkUsage) []MonthUsage {
	var months []MonthUsage
	index := map[string]int{}
	for _, c := range chunks {
		month := time.UnixMilli(c.startMs).UTC().Format("2006-01")
		i, ok := index[month]
		if !ok {
			i = len(months)
			index[month] = i
			months = append(months, MonthUsage{Month: month})
		}
		months[i].Chunks++
		months[i].Bytes += c.bytes
	}
	return months
}

// StorageStats reports total on-disk size per table and, when
// compression is active, the achieved ratio.
type StorageStats struct {
	Timescale            bool    `json:"timescale"`
	HistoryBytes         int64   `json:"historyBytes"`
	PropertyHistoryBytes int64   `json:"propertyHistoryBytes"`
	TotalBytes           int64   `json:"totalBytes"`
	CompressionRatio     float64 `json:"compressionRatio,omitempty"`
}

// StorageStats collects table sizes and the compression ratio.
func (s *Store) StorageStats(ctx context.Context) (StorageStats, error) {
	st := StorageStats{Timescale: s.timescale}
	sizeFn := "pg_total_relation_size($1::regclass)"
	if s.timescale {
		sizeFn = "hypertable_size($1::regclass)"
	}
	if err := s.pool.QueryRow(ctx, "SELECT "+sizeFn, "history").Scan(&st.HistoryBytes); err != nil {
		return st, fmt.Errorf("size history: %w", err)
	}
	if err := s.pool.QueryRow(ctx, "SELECT "+sizeFn, "history_properties").Scan(&st.PropertyHistoryBytes); err != nil {
		return st, fmt.Errorf("size history_properties: %w", err)
	}
	st.TotalBytes = st.HistoryBytes + st.PropertyHistoryBytes

	if s.timescale {
		var before, after *int64
		err := s.pool.QueryRow(ctx, `
			SELECT SUM(before_compression_total_bytes)::bigint,
			       SUM(after_compression_total_bytes)::bigint
			FROM hypertable_compression_stats('history')`).Scan(&before, &after)
		if err == nil && before != nil && after != nil && *after > 0 {
			st.CompressionRatio = float64(*before) / float64(*after)
		}
	}
	return st, nil
}
