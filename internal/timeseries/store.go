// Package timeseries persists telemetry to Postgres. With the
// timescaledb extension installed the history tables are day-chunked
// hypertables with compression policies; without it everything degrades
// to plain tables with the same schema and queries.
package timeseries

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mantle-scada/mantle/internal/identity"
	"github.com/mantle-scada/mantle/internal/sparkplug"
)

// Store wraps the connection pool and remembers whether timescaledb is
// present so queries can pick time_bucket or the integer fallback.
type Store struct {
	pool      *pgxpool.Pool
	timescale bool
}

// Connect opens the pool, verifies connectivity and detects the
// timescaledb extension.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool}
	err = pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')").Scan(&s.timescale)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("detect timescaledb: %w", err)
	}
	log.Info().Bool("timescale", s.timescale).Msg("Connected to time-series store")
	return s, nil
}

// Timescale reports whether the store runs on a timescaledb database.
func (s *Store) Timescale() bool { return s.timescale }

// Pool exposes the underlying pool for subsystems that share the
// database, like the alarm store.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// RecordSample writes one history row, routing the value to the column
// chosen by the metric's declared type. Null values are not recorded.
// Duplicate (identity, ts) rows are ignored, which makes redelivered
// frames idempotent.
func (s *Store) RecordSample(ctx context.Context, id identity.Identity, metricType string, v sparkplug.Value, ts int64) error {
	if v.IsNull() {
		return nil
	}
	column, arg := routeValue(metricType, v)
	sql := fmt.Sprintf(`
		INSERT INTO history (group_id, node_id, device_id, metric_id, ts, %s)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`, column)
	if _, err := s.pool.Exec(ctx, sql, id.Group, id.Node, id.Device, id.Metric, ts, arg); err != nil {
		return fmt.Errorf("record sample %s: %w", id.Key(), err)
	}
	return nil
}

// RecordProperty writes one property history row, routed like samples.
func (s *Store) RecordProperty(ctx context.Context, id identity.Identity, propertyID, propType string, v sparkplug.Value, ts int64) error {
	if v.IsNull() {
		return nil
	}
	column, arg := routeValue(propType, v)
	sql := fmt.Sprintf(`
		INSERT INTO history_properties (group_id, node_id, device_id, metric_id, property_id, ts, %s)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`, column)
	if _, err := s.pool.Exec(ctx, sql, id.Group, id.Node, id.Device, id.Metric, propertyID, ts, arg); err != nil {
		return fmt.Errorf("record property %s/%s: %w", id.Key(), propertyID, err)
	}
	return nil
}

// routeValue picks the history column and its driver argument for a
// value, following the same type-name prefix rules as ingest.
func routeValue(metricType string, v sparkplug.Value) (string, any) {
	switch sparkplug.ColumnFor(metricType) {
	case sparkplug.ColumnInt:
		if v.Kind == sparkplug.KindInt {
			return "int_value", v.Int
		}
		// Promoted UInt64 values arrive as floats.
		if v.Kind == sparkplug.KindFloat {
			return "float_value", v.Float
		}
	case sparkplug.ColumnFloat:
		if f, ok := v.Numeric(); ok {
			return "float_value", f
		}
	case sparkplug.ColumnBool:
		if v.Kind == sparkplug.KindBool {
			return "bool_value", v.Bool
		}
	}
	return "string_value", v.String()
}

// PropertyEntry is one entry in a metric's current property document.
type PropertyEntry struct {
	Value     any    `json:"value"`
	Type      string `json:"type"`
	UpdatedAt int64  `json:"updatedAt"`
}

// UpsertProperties shallow-merges the given entries into the metric's
// current property document. Existing keys not present in the update are
// preserved.
func (s *Store) UpsertProperties(ctx context.Context, id identity.Identity, props map[string]PropertyEntry) error {
	if len(props) == 0 {
		return nil
	}
	doc, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO metric_properties (group_id, node_id, device_id, metric_id, properties)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (group_id, node_id, device_id, metric_id)
		DO UPDATE SET properties = metric_properties.properties || EXCLUDED.properties`,
		id.Group, id.Node, id.Device, id.Metric, doc)
	if err != nil {
		return fmt.Errorf("upsert properties %s: %w", id.Key(), err)
	}
	return nil
}

// Properties returns the metric's current property document, or an empty
// map when none is stored.
func (s *Store) Properties(ctx context.Context, id identity.Identity) (map[string]PropertyEntry, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT properties FROM metric_properties
		WHERE group_id = $1 AND node_id = $2 AND device_id = $3 AND metric_id = $4`,
		id.Group, id.Node, id.Device, id.Metric).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return map[string]PropertyEntry{}, nil
		}
		return nil, fmt.Errorf("load properties %s: %w", id.Key(), err)
	}
	props := map[string]PropertyEntry{}
	if err := json.Unmarshal(doc, &props); err != nil {
		return nil, fmt.Errorf("decode properties %s: %w", id.Key(), err)
	}
	return props, nil
}

// ListHidden returns every hidden-item scope.
func (s *Store) ListHidden(ctx context.Context) ([]identity.Scope, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT group_id, node_id, device_id, metric_id FROM hidden_items ORDER BY group_id, node_id, device_id, metric_id")
	if err != nil {
		return nil, fmt.Errorf("list hidden items: %w", err)
	}
	defer rows.Close()

	var scopes []identity.Scope
	for rows.Next() {
		var sc identity.Scope
		if err := rows.Scan(&sc.Group, &sc.Node, &sc.Device, &sc.Metric); err != nil {
			return nil, fmt.Errorf("scan hidden item: %w", err)
		}
		scopes = append(scopes, sc)
	}
	return scopes, rows.Err()
}

// HideItem persists a hidden-item scope. Hiding an already hidden scope
// is a no-op.
func (s *Store) HideItem(ctx context.Context, sc identity.Scope) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hidden_items (group_id, node_id, device_id, metric_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`, sc.Group, sc.Node, sc.Device, sc.Metric)
	if err != nil {
		return fmt.Errorf("hide %s: %w", sc.HiddenKey(), err)
	}
	return nil
}

// UnhideItem removes a hidden-item scope. Unhiding something that was
// never hidden is a no-op.
func (s *Store) UnhideItem(ctx context.Context, sc identity.Scope) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM hidden_items
		WHERE group_id = $1 AND node_id = $2 AND device_id = $3 AND metric_id = $4`,
		sc.Group, sc.Node, sc.Device, sc.Metric)
	if err != nil {
		return fmt.Errorf("unhide %s: %w", sc.HiddenKey(), err)
	}
	return nil
}

// DeleteByScope removes every stored row under the scope prefix, across
// property history, sample history, hidden items and current properties.
// Alarm rules cascade separately through their own store.
func (s *Store) DeleteByScope(ctx context.Context, sc identity.Scope) error {
	for _, table := range []string{"history_properties", "history", "hidden_items", "metric_properties"} {
		clause, args := scopeClause(sc)
		if _, err := s.pool.Exec(ctx, "DELETE FROM "+table+" WHERE "+clause, args...); err != nil {
			return fmt.Errorf("delete %s under %s: %w", table, sc.HiddenKey(), err)
		}
	}
	return nil
}

// scopeClause builds the WHERE clause selecting every row under the
// scope prefix. Empty device and metric widen to all descendants; a set
// metric pins the exact identity.
func scopeClause(sc identity.Scope) (string, []any) {
	clause := "group_id = $1 AND node_id = $2"
	args := []any{sc.Group, sc.Node}
	if sc.Metric != "" {
		clause += " AND device_id = $3 AND metric_id = $4"
		return clause, append(args, sc.Device, sc.Metric)
	}
	if sc.Device != "" {
		clause += " AND device_id = $3"
		return clause, append(args, sc.Device)
	}
	return clause, args
}
