package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"model-rollout-core/internal/app/domain"
)

// RolloutRepo implements [domain.RolloutRepository] backed by SQLite. Every
// revision is its own row; rows are never updated.
type RolloutRepo struct {
	DB *sql.DB
}

func (r *RolloutRepo) Append(ctx context.Context, s domain.RolloutState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal rollout state: %w", err)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var latest sql.NullInt64
	var terminal sql.NullBool
	err = tx.QueryRowContext(ctx,
		`SELECT revision, terminal FROM rollout_revisions WHERE rollout_id = ? ORDER BY revision DESC LIMIT 1`,
		s.ID,
	).Scan(&latest, &terminal)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read latest revision: %w", err)
	}
	if terminal.Bool {
		return fmt.Errorf("rollout %q: %w", s.ID, domain.ErrAlreadyTerminal)
	}
	if want := latest.Int64 + 1; int64(s.Revision) != want {
		if int64(s.Revision) <= latest.Int64 {
			return fmt.Errorf("rollout %q revision %d: %w", s.ID, s.Revision, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("%w: rollout %q revision %d, expected %d", domain.ErrInvalidArgument, s.ID, s.Revision, want)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rollout_revisions (rollout_id, revision, service, phase, terminal, state, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Revision, s.Service(), string(s.Phase), s.Phase.IsTerminal(), string(data), formatTime(s.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("rollout %q revision %d: %w", s.ID, s.Revision, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert rollout revision: %w", err)
	}
	return tx.Commit()
}

func (r *RolloutRepo) Latest(ctx context.Context, id string) (domain.RolloutState, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT state FROM rollout_revisions WHERE rollout_id = ? ORDER BY revision DESC LIMIT 1`,
		id,
	)
	s, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RolloutState{}, fmt.Errorf("rollout %q: %w", id, domain.ErrNotFound)
	}
	return s, err
}

func (r *RolloutRepo) History(ctx context.Context, id string) ([]domain.RolloutState, error) {
	states, err := r.query(ctx,
		`SELECT state FROM rollout_revisions WHERE rollout_id = ? ORDER BY revision`,
		id,
	)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("rollout %q: %w", id, domain.ErrNotFound)
	}
	return states, nil
}

func (r *RolloutRepo) ListActive(ctx context.Context) ([]domain.RolloutState, error) {
	return r.query(ctx,
		`SELECT r.state FROM rollout_revisions r
		 JOIN (SELECT rollout_id, MAX(revision) AS revision FROM rollout_revisions GROUP BY rollout_id) l
		   ON r.rollout_id = l.rollout_id AND r.revision = l.revision
		 WHERE r.terminal = 0
		 ORDER BY r.recorded_at`,
	)
}

func (r *RolloutRepo) ListByService(ctx context.Context, service string) ([]domain.RolloutState, error) {
	return r.query(ctx,
		`SELECT r.state FROM rollout_revisions r
		 JOIN (SELECT rollout_id, MAX(revision) AS revision FROM rollout_revisions
		       WHERE service = ? GROUP BY rollout_id) l
		   ON r.rollout_id = l.rollout_id AND r.revision = l.revision
		 ORDER BY (SELECT MIN(recorded_at) FROM rollout_revisions f WHERE f.rollout_id = r.rollout_id) DESC, r.rollout_id DESC`,
		service,
	)
}

func (r *RolloutRepo) query(ctx context.Context, q string, args ...any) ([]domain.RolloutState, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query rollouts: %w", err)
	}
	defer rows.Close()

	var states []domain.RolloutState
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (domain.RolloutState, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		return domain.RolloutState{}, err
	}
	var s domain.RolloutState
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return domain.RolloutState{}, fmt.Errorf("unmarshal rollout state: %w", err)
	}
	return s, nil
}
