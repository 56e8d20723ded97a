package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const issueColumns = `id, project_id, fingerprint, title, culprit, error_type, category, level, platform,
	service_name, first_seen_at, last_seen_at, last_occurrence_at, occurrence_count, affected_users_count, regression_count,
	status, substatus, resolved_at, resolved_by, priority, assigned_to, tags, metadata, created_at, updated_at`

const eventColumns = `id, issue_id, trace_id, span_id, message, stack_trace, frames, environment,
	release_version, user_id, user_ip, request, client, runtime, context, tags, timestamp, created_at`

const breadcrumbColumns = `id, event_id, type, category, message, level, data, timestamp`

const transitionColumns = `id, issue_id, from_status, to_status, reason, actor, created_at`

// PostgresStore implements the Store interface using pgx/v5. Reads lease a
// pooled connection; writes are funnelled through a WriteQueue so that at
// most one transaction mutates issue data at a time.
type PostgresStore struct {
	pool   *pgxpool.Pool
	writer *WriteQueue
}

// NewPostgresStore creates a new PostgresStore. The caller owns both the pool
// and the write queue and closes them on shutdown.
func NewPostgresStore(pool *pgxpool.Pool, writer *WriteQueue) *PostgresStore {
	return &PostgresStore{pool: pool, writer: writer}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// read leases a connection from the pool for the duration of fn.
func (s *PostgresStore) read(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire read connection: %w", err)
	}
	defer conn.Release()
	return fn(conn)
}

// write runs fn in its own transaction on the write queue.
func (s *PostgresStore) write(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return s.writer.Enqueue(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			return fn(ctx, tx)
		})
	})
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	err := s.read(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
			 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
		if err != nil {
			return err
		}
		keys, err = scanAPIKeys(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return keys, nil
}

// UpdateAPIKeyLastUsed runs on the pool. Key bookkeeping is not issue state
// and never occupies the write queue.
func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	err := s.read(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx,
			`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	err := s.write(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
		return err
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	err := s.read(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
			 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
		if err != nil {
			return err
		}
		keys, err = scanAPIKeys(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	err := s.write(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
			 WHERE id = $1 AND deleted_at IS NULL`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Issues ---

func (s *PostgresStore) UpsertIssue(ctx context.Context, p UpsertIssueParams) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.read(ctx, func(conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT id FROM issues WHERE project_id = $1 AND fingerprint = $2`,
			p.ProjectID, p.Fingerprint).Scan(&id)
	})

	switch {
	case err == nil:
		err = s.write(ctx, func(ctx context.Context, tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`UPDATE issues SET
				   occurrence_count = occurrence_count + 1,
				   last_seen_at = GREATEST(last_seen_at, $2),
				   last_occurrence_at = $3,
				   updated_at = $3
				 WHERE id = $1`, id, p.SeenAt, time.Now().UTC())
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return ErrNotFound
			}
			return recordAffectedUser(ctx, tx, id, p.UserID, p.SeenAt)
		})
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("update issue occurrence: %w", err)
		}
		return id, false, nil

	case errors.Is(err, pgx.ErrNoRows):
		var created bool
		err = s.write(ctx, func(ctx context.Context, tx pgx.Tx) error {
			now := time.Now().UTC()
			err := tx.QueryRow(ctx,
				`INSERT INTO issues (id, project_id, fingerprint, title, culprit, error_type, category, level,
				   platform, service_name, first_seen_at, last_seen_at, last_occurrence_at, occurrence_count,
				   affected_users_count, regression_count, status, substatus, priority, tags, metadata,
				   created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11, $16, 1, 0, 0, $12, $17, $13, $14, $15, $16, $16)
				 ON CONFLICT (project_id, fingerprint) DO UPDATE SET
				   occurrence_count = issues.occurrence_count + 1,
				   last_seen_at = GREATEST(issues.last_seen_at, EXCLUDED.last_seen_at),
				   last_occurrence_at = EXCLUDED.last_occurrence_at,
				   updated_at = EXCLUDED.updated_at
				 RETURNING id, (xmax = 0) AS inserted`,
				uuid.New(), p.ProjectID, p.Fingerprint, p.Title, p.Culprit, p.ErrorType, p.Category, p.Level,
				p.Platform, p.ServiceName, p.SeenAt, models.IssueStatusUnresolved, models.PriorityMedium,
				nonNilTags(p.Tags), nonNilMetadata(p.Metadata), now, models.SubstatusNew,
			).Scan(&id, &created)
			if err != nil {
				return err
			}
			return recordAffectedUser(ctx, tx, id, p.UserID, p.SeenAt)
		})
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("insert issue: %w", err)
		}
		return id, created, nil

	default:
		return uuid.Nil, false, fmt.Errorf("find issue by fingerprint: %w", err)
	}
}

// recordAffectedUser adds userID to the issue's affected set and bumps the
// counter only the first time that user is seen.
func recordAffectedUser(ctx context.Context, tx pgx.Tx, issueID uuid.UUID, userID string, seenAt time.Time) error {
	if userID == "" {
		return nil
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO issue_users (issue_id, user_id, first_seen_at) VALUES ($1, $2, $3)
		 ON CONFLICT (issue_id, user_id) DO NOTHING`, issueID, userID, seenAt)
	if err != nil {
		return fmt.Errorf("record affected user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	_, err = tx.Exec(ctx,
		`UPDATE issues SET affected_users_count = affected_users_count + 1 WHERE id = $1`, issueID)
	return err
}

func (s *PostgresStore) GetIssue(ctx context.Context, id uuid.UUID) (*models.Issue, error) {
	var issue *models.Issue
	err := s.read(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = $1`, id)
		if err != nil {
			return err
		}
		issue, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Issue])
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return issue, nil
}

func (s *PostgresStore) ListIssues(ctx context.Context, filter IssueFilter) ([]*models.Issue, int, error) {
	// Build WHERE clause dynamically
	var conditions []string
	var args []any
	argIdx := 1

	add := func(column string, value any) {
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}
	if filter.ProjectID != "" {
		add("project_id", filter.ProjectID)
	}
	if filter.Status != "" {
		add("status", filter.Status)
	}
	if filter.Priority != "" {
		add("priority", filter.Priority)
	}
	if filter.Level != "" {
		add("level", filter.Level)
	}
	if filter.AssignedTo != "" {
		add("assigned_to", filter.AssignedTo)
	}
	if filter.ServiceName != "" {
		add("service_name", filter.ServiceName)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var issues []*models.Issue
	var total int
	err := s.read(ctx, func(conn *pgxpool.Conn) error {
		if err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM issues"+where, args...).Scan(&total); err != nil {
			return fmt.Errorf("count issues: %w", err)
		}

		dataQuery := fmt.Sprintf(
			`SELECT %s FROM issues%s ORDER BY last_seen_at DESC, id LIMIT $%d OFFSET $%d`,
			issueColumns, where, argIdx, argIdx+1)
		rows, err := conn.Query(ctx, dataQuery, append(args, filter.Limit, filter.Offset)...)
		if err != nil {
			return err
		}
		issues, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[models.Issue])
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list issues: %w", err)
	}
	return issues, total, nil
}

func (s *PostgresStore) TransitionIssue(ctx context.Context, id uuid.UUID, fn TransitionFunc) (*models.Issue, error) {
	var updated *models.Issue
	err := s.write(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			return err
		}
		current, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Issue])
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		change, err := fn(current)
		if err != nil {
			return err
		}

		regression := 0
		if change.Regression {
			regression = 1
		}
		rows, err = tx.Query(ctx,
			`UPDATE issues SET
			   status = $2, substatus = $3, resolved_at = $4, resolved_by = $5,
			   regression_count = regression_count + $6, updated_at = $7
			 WHERE id = $1
			 RETURNING `+issueColumns,
			id, change.To, change.Substatus, change.ResolvedAt, change.ResolvedBy, regression, change.At)
		if err != nil {
			return err
		}
		updated, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Issue])
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO issue_transitions (id, issue_id, from_status, to_status, reason, actor, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New(), id, current.Status, change.To, change.Reason, change.Actor, change.At)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("transition issue: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) AssignIssue(ctx context.Context, id uuid.UUID, owner string, at time.Time) error {
	return s.updateIssueField(ctx, "assign issue", `assigned_to`, id, owner, at)
}

func (s *PostgresStore) SetIssuePriority(ctx context.Context, id uuid.UUID, priority models.IssuePriority, at time.Time) error {
	return s.updateIssueField(ctx, "set issue priority", `priority`, id, priority, at)
}

func (s *PostgresStore) updateIssueField(ctx context.Context, op, column string, id uuid.UUID, value any, at time.Time) error {
	err := s.write(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE issues SET `+column+` = $2, updated_at = $3 WHERE id = $1`, id, value, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// --- Events ---

func (s *PostgresStore) LinkEvent(ctx context.Context, ev *models.IssueEvent) error {
	err := s.write(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO issue_events (`+eventColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			ev.ID, ev.IssueID, ev.TraceID, ev.SpanID, ev.Message, ev.StackTrace, ev.Frames, ev.Environment,
			ev.ReleaseVersion, ev.UserID, ev.UserIP, ev.Request, ev.Client, ev.Runtime, ev.Context, ev.Tags,
			ev.Timestamp, ev.CreatedAt)
		return err
	})
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("link event: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddBreadcrumbs(ctx context.Context, crumbs []*models.ErrorBreadcrumb) error {
	if len(crumbs) == 0 {
		return nil
	}
	err := s.write(ctx, func(ctx context.Context, tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, c := range crumbs {
			batch.Queue(
				`INSERT INTO error_breadcrumbs (`+breadcrumbColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				c.ID, c.EventID, c.Type, c.Category, c.Message, c.Level, c.Data, c.Timestamp)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("add breadcrumbs: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id uuid.UUID) (*models.IssueEvent, error) {
	var ev *models.IssueEvent
	err := s.read(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+eventColumns+` FROM issue_events WHERE id = $1`, id)
		if err != nil {
			return err
		}
		ev, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.IssueEvent])
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, issueID uuid.UUID, limit int) ([]*models.IssueEvent, int, error) {
	var events []*models.IssueEvent
	var total int
	err := s.read(ctx, func(conn *pgxpool.Conn) error {
		if err := conn.QueryRow(ctx,
			`SELECT COUNT(*) FROM issue_events WHERE issue_id = $1`, issueID).Scan(&total); err != nil {
			return fmt.Errorf("count events: %w", err)
		}
		rows, err := conn.Query(ctx,
			`SELECT `+eventColumns+` FROM issue_events WHERE issue_id = $1
			 ORDER BY timestamp DESC, seq DESC LIMIT $2`, issueID, limit)
		if err != nil {
			return err
		}
		events, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[models.IssueEvent])
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	return events, total, nil
}

func (s *PostgresStore) ListBreadcrumbs(ctx context.Context, eventID uuid.UUID, limit int) ([]*models.ErrorBreadcrumb, int, error) {
	var crumbs []*models.ErrorBreadcrumb
	var total int
	err := s.read(ctx, func(conn *pgxpool.Conn) error {
		if err := conn.QueryRow(ctx,
			`SELECT COUNT(*) FROM error_breadcrumbs WHERE event_id = $1`, eventID).Scan(&total); err != nil {
			return fmt.Errorf("count breadcrumbs: %w", err)
		}
		rows, err := conn.Query(ctx,
			`SELECT `+breadcrumbColumns+` FROM error_breadcrumbs WHERE event_id = $1
			 ORDER BY timestamp ASC, seq ASC LIMIT $2`, eventID, limit)
		if err != nil {
			return err
		}
		crumbs, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[models.ErrorBreadcrumb])
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list breadcrumbs: %w", err)
	}
	return crumbs, total, nil
}

func (s *PostgresStore) ListTransitions(ctx context.Context, issueID uuid.UUID, limit int) ([]*models.IssueTransition, int, error) {
	var transitions []*models.IssueTransition
	var total int
	err := s.read(ctx, func(conn *pgxpool.Conn) error {
		if err := conn.QueryRow(ctx,
			`SELECT COUNT(*) FROM issue_transitions WHERE issue_id = $1`, issueID).Scan(&total); err != nil {
			return fmt.Errorf("count transitions: %w", err)
		}
		rows, err := conn.Query(ctx,
			`SELECT `+transitionColumns+` FROM issue_transitions WHERE issue_id = $1
			 ORDER BY created_at ASC, seq ASC LIMIT $2`, issueID, limit)
		if err != nil {
			return err
		}
		transitions, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[models.IssueTransition])
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list transitions: %w", err)
	}
	return transitions, total, nil
}

// --- Regressions ---

// FindRegressionCandidates compares server-recorded times only. Producer
// timestamps on records and events are never weighed against resolved_at.
func (s *PostgresStore) FindRegressionCandidates(ctx context.Context, service, deployVersion string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.read(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT i.id FROM issues i
			 WHERE i.status = 'resolved'
			   AND i.resolved_at IS NOT NULL
			   AND i.last_occurrence_at > i.resolved_at
			   AND ($1 = '' OR i.service_name = $1)
			   AND ($2 = '' OR EXISTS (
			     SELECT 1 FROM issue_events e
			     WHERE e.issue_id = i.id AND e.release_version = $2 AND e.created_at > i.resolved_at))
			 ORDER BY i.last_occurrence_at DESC`, service, deployVersion)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find regression candidates: %w", err)
	}
	return ids, nil
}

func nonNilTags(tags map[string]string) map[string]string {
	if tags == nil {
		return map[string]string{}
	}
	return tags
}

func nonNilMetadata(md map[string]any) map[string]any {
	if md == nil {
		return map[string]any{}
	}
	return md
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// isForeignKeyError reports a reference to a parent row that does not exist.
func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}
