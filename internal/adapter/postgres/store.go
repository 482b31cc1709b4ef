package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geniusboywonder/bmad/internal/domain"
	"github.com/geniusboywonder/bmad/internal/domain/approval"
	"github.com/geniusboywonder/bmad/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ database.Store = (*Store)(nil)

const approvalColumns = `id, project_id, task_id, agent_type, kind, status, request_data,
	estimated_tokens, estimated_cost, responder, comment, amended_content,
	responded_at, created_at, expires_at`

// --- Approvals ---

func (s *Store) CreateApproval(ctx context.Context, req *approval.Request) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO approval_requests
		   (id, project_id, task_id, agent_type, kind, status, request_data,
		    estimated_tokens, estimated_cost, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		req.ID, req.ProjectID, req.TaskID, req.AgentType, req.Kind, req.Status,
		req.RequestData, req.EstimatedTokens, req.EstimatedCost, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create approval for task %s: %w", req.TaskID, domain.ErrConflict)
		}
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*approval.Request, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id)

	req, err := scanApproval(row)
	if err != nil {
		return nil, notFoundWrap(err, "get approval %s", id)
	}
	return &req, nil
}

func (s *Store) FindActiveApproval(ctx context.Context, taskID string, kind approval.Kind, now time.Time) (*approval.Request, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE task_id = $1 AND kind = $2
		   AND (status = 'approved' OR (status = 'pending' AND expires_at > $3))
		 ORDER BY created_at DESC
		 LIMIT 1`, taskID, kind, now)

	req, err := scanApproval(row)
	if err != nil {
		return nil, notFoundWrap(err, "find active approval for task %s kind %s", taskID, kind)
	}
	return &req, nil
}

func (s *Store) RespondApproval(ctx context.Context, id string, resp database.ApprovalResponse) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE approval_requests
		 SET status = $2, responder = $3, comment = $4, amended_content = $5, responded_at = $6
		 WHERE id = $1 AND status = 'pending'`,
		id, resp.Status, resp.Responder, resp.Comment, resp.AmendedContent, resp.RespondedAt)
	if err != nil {
		return fmt.Errorf("respond approval %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Zero rows: either the request is unknown or it already left PENDING.
	var status approval.Status
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM approval_requests WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return notFoundWrap(err, "respond approval %s", id)
	}
	return fmt.Errorf("respond approval %s: request is %s: %w", id, status, domain.ErrInvalidState)
}

func (s *Store) ExpireApprovals(ctx context.Context, now time.Time) ([]approval.Request, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE approval_requests
		 SET status = 'expired'
		 WHERE status = 'pending' AND expires_at < $1
		 RETURNING `+approvalColumns, now)
	if err != nil {
		return nil, fmt.Errorf("expire approvals: %w", err)
	}
	defer rows.Close()

	var expired []approval.Request
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("expire approvals: %w", err)
		}
		expired = append(expired, req)
	}
	return expired, rows.Err()
}

func (s *Store) ListApprovalsByProject(ctx context.Context, projectID string, status approval.Status) ([]approval.Request, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE project_id = $1`
	args := []any{projectID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []approval.Request
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("list approvals for project %s: %w", projectID, err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanApproval(row scannable) (approval.Request, error) {
	var req approval.Request
	var respondedAt *time.Time
	err := row.Scan(
		&req.ID, &req.ProjectID, &req.TaskID, &req.AgentType, &req.Kind, &req.Status,
		&req.RequestData, &req.EstimatedTokens, &req.EstimatedCost, &req.Responder,
		&req.Comment, &req.AmendedContent, &respondedAt, &req.CreatedAt, &req.ExpiresAt)
	if err != nil {
		return approval.Request{}, err
	}
	req.RespondedAt = respondedAt
	return req, nil
}
