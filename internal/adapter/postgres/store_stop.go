package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/geniusboywonder/bmad/internal/domain"
	"github.com/geniusboywonder/bmad/internal/domain/stop"
)

const stopColumns = `id, project_id, agent_type, reason, triggered_by, active,
	activated_at, deactivated_at`

// --- Emergency stops ---

func (s *Store) CreateStop(ctx context.Context, st *stop.Stop) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO emergency_stops
		   (id, project_id, agent_type, reason, triggered_by, active, activated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		st.ID, st.ProjectID, st.AgentType, st.Reason, st.TriggeredBy, st.Active, st.ActivatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create stop for %s/%s: %w", st.ProjectID, st.AgentType, domain.ErrConflict)
		}
		return fmt.Errorf("create stop: %w", err)
	}
	return nil
}

func (s *Store) GetStop(ctx context.Context, id string) (*stop.Stop, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stopColumns+` FROM emergency_stops WHERE id = $1`, id)

	st, err := scanStop(row)
	if err != nil {
		return nil, notFoundWrap(err, "get stop %s", id)
	}
	return &st, nil
}

func (s *Store) DeactivateStop(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE emergency_stops
		 SET active = FALSE, deactivated_at = $2
		 WHERE id = $1 AND active`, id, now)
	if err != nil {
		return fmt.Errorf("deactivate stop %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Zero rows: unknown id is an error, already-inactive is a no-op.
	var active bool
	err = s.pool.QueryRow(ctx,
		`SELECT active FROM emergency_stops WHERE id = $1`, id).Scan(&active)
	if err != nil {
		return notFoundWrap(err, "deactivate stop %s", id)
	}
	return nil
}

func (s *Store) ListActiveStops(ctx context.Context, projectID string) ([]stop.Stop, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stopColumns+` FROM emergency_stops
		 WHERE project_id = $1 AND active
		 ORDER BY activated_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list active stops for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []stop.Stop
	for rows.Next() {
		st, err := scanStop(rows)
		if err != nil {
			return nil, fmt.Errorf("list active stops for project %s: %w", projectID, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanStop(row scannable) (stop.Stop, error) {
	var st stop.Stop
	var deactivatedAt *time.Time
	err := row.Scan(
		&st.ID, &st.ProjectID, &st.AgentType, &st.Reason, &st.TriggeredBy,
		&st.Active, &st.ActivatedAt, &deactivatedAt)
	if err != nil {
		return stop.Stop{}, err
	}
	st.DeactivatedAt = deactivatedAt
	return st, nil
}
