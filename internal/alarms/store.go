package alarms

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mantle-scada/mantle/internal/identity"
)

// Store persists rules, durable state and the transition audit. The
// engine keeps everything cached in memory and writes through.
type Store interface {
	ListRules(ctx context.Context) ([]Rule, error)
	InsertRule(ctx context.Context, r Rule) error
	UpdateRule(ctx context.Context, r Rule) error
	DeleteRule(ctx context.Context, id uuid.UUID) error
	DeleteRulesByScope(ctx context.Context, sc identity.Scope) ([]uuid.UUID, error)
	LoadStates(ctx context.Context) (map[uuid.UUID]StateRow, error)
	SaveState(ctx context.Context, st StateRow) error
	AppendHistory(ctx context.Context, h HistoryRow) error
	History(ctx context.Context, f HistoryFilter) ([]HistoryRow, error)
}

// HistoryFilter narrows the transition audit query. Nil fields are
// unconstrained; Limit <= 0 selects the default page size.
type HistoryFilter struct {
	RuleID *uuid.UUID
	Start  *int64
	End    *int64
	Limit  int
}

// SQLStore implements Store on the shared connection pool. Deleting a
// rule cascades to its state and history through foreign keys.
type SQLStore struct {
	pool *pgxpool.Pool
}

func NewSQLStore(pool *pgxpool.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

func (s *SQLStore) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, group_id, node_id, device_id, metric_id, name, rule_type,
		       threshold, delay_sec, enabled, created_at, updated_at
		FROM alarm_rules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list alarm rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		err := rows.Scan(&r.ID, &r.Group, &r.Node, &r.Device, &r.Metric, &r.Name,
			&r.Type, &r.Threshold, &r.DelaySec, &r.Enabled, &r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan alarm rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertRule(ctx context.Context, r Rule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alarm_rules (id, group_id, node_id, device_id, metric_id,
		                         name, rule_type, threshold, delay_sec, enabled,
		                         created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.Group, r.Node, r.Device, r.Metric,
		r.Name, r.Type, r.Threshold, r.DelaySec, r.Enabled, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert alarm rule %s: %w", r.ID, err)
	}
	// Every rule starts in normal.
	_, err = s.pool.Exec(ctx,
		"INSERT INTO alarm_state (rule_id) VALUES ($1) ON CONFLICT DO NOTHING", r.ID)
	if err != nil {
		return fmt.Errorf("seed alarm state %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLStore) UpdateRule(ctx context.Context, r Rule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alarm_rules
		SET group_id = $2, node_id = $3, device_id = $4, metric_id = $5,
		    name = $6, rule_type = $7, threshold = $8, delay_sec = $9,
		    enabled = $10, updated_at = $11
		WHERE id = $1`,
		r.ID, r.Group, r.Node, r.Device, r.Metric,
		r.Name, r.Type, r.Threshold, r.DelaySec, r.Enabled, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update alarm rule %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *SQLStore) DeleteRule(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM alarm_rules WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete alarm rule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *SQLStore) DeleteRulesByScope(ctx context.Context, sc identity.Scope) ([]uuid.UUID, error) {
	clause, args := scopeClause(sc)
	rows, err := s.pool.Query(ctx, "DELETE FROM alarm_rules WHERE "+clause+" RETURNING id", args...)
	if err != nil {
		return nil, fmt.Errorf("delete alarm rules under %s: %w", sc.HiddenKey(), err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted rule id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) LoadStates(ctx context.Context) (map[uuid.UUID]StateRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rule_id, state, condition_met_at, activated_at, last_notified_at, last_value
		FROM alarm_state`)
	if err != nil {
		return nil, fmt.Errorf("load alarm states: %w", err)
	}
	defer rows.Close()

	out := map[uuid.UUID]StateRow{}
	for rows.Next() {
		var st StateRow
		err := rows.Scan(&st.RuleID, &st.State, &st.ConditionMetAt,
			&st.ActivatedAt, &st.LastNotifiedAt, &st.LastValue)
		if err != nil {
			return nil, fmt.Errorf("scan alarm state: %w", err)
		}
		out[st.RuleID] = st
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveState(ctx context.Context, st StateRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alarm_state (rule_id, state, condition_met_at, activated_at,
		                         last_notified_at, last_value, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (rule_id) DO UPDATE SET
		    state = EXCLUDED.state,
		    condition_met_at = EXCLUDED.condition_met_at,
		    activated_at = EXCLUDED.activated_at,
		    last_notified_at = EXCLUDED.last_notified_at,
		    last_value = EXCLUDED.last_value,
		    updated_at = now()`,
		st.RuleID, st.State, st.ConditionMetAt, st.ActivatedAt, st.LastNotifiedAt, st.LastValue)
	if err != nil {
		return fmt.Errorf("save alarm state %s: %w", st.RuleID, err)
	}
	return nil
}

func (s *SQLStore) AppendHistory(ctx context.Context, h HistoryRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alarm_history (rule_id, from_state, to_state, value, ts)
		VALUES ($1, $2, $3, $4, $5)`,
		h.RuleID, h.From, h.To, h.Value, h.Ts)
	if err != nil {
		return fmt.Errorf("append alarm history %s: %w", h.RuleID, err)
	}
	return nil
}

func (s *SQLStore) History(ctx context.Context, f HistoryFilter) ([]HistoryRow, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	q := "SELECT id, rule_id, from_state, to_state, value, ts FROM alarm_history"
	var conds []string
	var args []any
	if f.RuleID != nil {
		args = append(args, *f.RuleID)
		conds = append(conds, fmt.Sprintf("rule_id = $%d", len(args)))
	}
	if f.Start != nil {
		args = append(args, *f.Start)
		conds = append(conds, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if f.End != nil {
		args = append(args, *f.End)
		conds = append(conds, fmt.Sprintf("ts <= $%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, f.Limit)
	q += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query alarm history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var h HistoryRow
		if err := rows.Scan(&h.ID, &h.RuleID, &h.From, &h.To, &h.Value, &h.Ts); err != nil {
			return nil, fmt.Errorf("scan alarm history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// scopeClause mirrors the time-series delete cascade selection.
func scopeClause(sc identity.Scope) (string, []any) {
	clause := "group_id = $1 AND node_id = $2"
	args := []any{sc.Group, sc.Node}
	if sc.Metric != "" {
		return clause + " AND device_id = $3 AND metric_id = $4", append(args, sc.Device, sc.Metric)
	}
	if sc.Device != "" {
		return clause + " AND device_id = $3", append(args, sc.Device)
	}
	return clause, args
}
