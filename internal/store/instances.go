package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertInstance atomically creates an instance row in the given initial
// state while incrementing the owning user's instance count.
//
// In one transaction: the user's instance_count is incremented only where it
// is below maxConcurrent; if that update matched no row (limit hit, or the
// user does not exist) the result is LimitReached. Otherwise the instance
// row is inserted; a primary-key conflict rolls everything back and yields
// AlreadyExists. Only the Inserted outcome commits, which preserves the
// instance-count invariant under every interleaving.
func (s *Store) InsertInstance(ctx context.Context, userID, challengeID string, initial State, maxConcurrent uint32) (InsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert instance: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET instance_count = instance_count + 1
		 WHERE id = ? AND instance_count < ?`,
		userID, maxConcurrent)
	if err != nil {
		return 0, fmt.Errorf("increment instance count: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("increment instance count: %w", err)
	}
	if affected == 0 {
		return LimitReached, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO challenge_instances (user_id, challenge_id, state, details, stop_time)
		 VALUES (?, ?, ?, NULL, NULL)`,
		userID, challengeID, string(initial))
	if isUniqueViolation(err) {
		return AlreadyExists, nil
	}
	if err != nil {
		return 0, fmt.Errorf("insert instance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert instance: %w", err)
	}
	return Inserted, nil
}

// TransitionState is the compare-and-swap primitive serializing concurrent
// lifecycle actions: a conditional single-row update that succeeds iff the
// row currently holds the from state. Exactly one of several concurrent
// callers with the same from state can win.
func (s *Store) TransitionState(ctx context.Context, userID, challengeID string, from, to State) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE challenge_instances SET state = ?
		 WHERE user_id = ? AND challenge_id = ? AND state = ?`,
		string(to), userID, challengeID, string(from))
	if err != nil {
		return false, fmt.Errorf("transition %s/%s %s->%s: %w", userID, challengeID, from, to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition %s/%s: %w", userID, challengeID, err)
	}
	return affected == 1, nil
}

// PopulateRunning unconditionally marks the instance running and stores the
// deployer's details output and the computed stop time. Called by a worker
// after a successful start script, while the row is still queued_start.
func (s *Store) PopulateRunning(ctx context.Context, userID, challengeID, details string, stopTime int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE challenge_instances SET state = ?, details = ?, stop_time = ?
		 WHERE user_id = ? AND challenge_id = ?`,
		string(StateRunning), details, stopTime, userID, challengeID)
	if err != nil {
		return fmt.Errorf("populate running %s/%s: %w", userID, challengeID, err)
	}
	return nil
}

// SetState unconditionally rewrites the state column, leaving details and
// stop_time untouched. Used after a successful restart script, where the
// instance keeps its connection details and TTL.
func (s *Store) SetState(ctx context.Context, userID, challengeID string, state State) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE challenge_instances SET state = ?
		 WHERE user_id = ? AND challenge_id = ?`,
		string(state), userID, challengeID)
	if err != nil {
		return fmt.Errorf("set state %s/%s: %w", userID, challengeID, err)
	}
	return nil
}

// CountRunning returns the number of instances persisted as running.
func (s *Store) CountRunning(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM challenge_instances WHERE state = ?`,
		string(StateRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running instances: %w", err)
	}
	return n, nil
}

// ExtendInstance moves the stop time of a running instance. Returns false
// without modifying anything when the instance is not running (for example
// when a TTL-driven stop already transitioned it to queued_stop).
func (s *Store) ExtendInstance(ctx context.Context, userID, challengeID string, stopTime int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE challenge_instances SET stop_time = ?
		 WHERE state = ? AND user_id = ? AND challenge_id = ?`,
		stopTime, string(StateRunning), userID, challengeID)
	if err != nil {
		return false, fmt.Errorf("extend %s/%s: %w", userID, challengeID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend %s/%s: %w", userID, challengeID, err)
	}
	return affected == 1, nil
}

// DeleteInstance removes the instance row and decrements the owning user's
// instance count in a single transaction. Idempotent: when no row exists the
// count is left untouched, so a double delete is a no-op.
func (s *Store) DeleteInstance(ctx context.Context, userID, challengeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete instance: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	res, err := tx.ExecContext(ctx,
		`DELETE FROM challenge_instances WHERE user_id = ? AND challenge_id = ?`,
		userID, challengeID)
	if err != nil {
		return fmt.Errorf("delete instance %s/%s: %w", userID, challengeID, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete instance %s/%s: %w", userID, challengeID, err)
	}

	if deleted == 1 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET instance_count = instance_count - 1 WHERE id = ?`,
			userID); err != nil {
			return fmt.Errorf("decrement instance count %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete instance: %w", err)
	}
	return nil
}

// ListUserInstances returns all instance rows belonging to the user.
func (s *Store) ListUserInstances(ctx context.Context, userID string) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, challenge_id, state, details, stop_time
		 FROM challenge_instances WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("list instances for %s: %w", userID, err)
	}
	return scanInstances(rows)
}

// ListAllInstances returns every persisted instance row. Used once at
// startup by recovery.
func (s *Store) ListAllInstances(ctx context.Context) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, challenge_id, state, details, stop_time
		 FROM challenge_instances`)
	if err != nil {
		return nil, fmt.Errorf("list all instances: %w", err)
	}
	return scanInstances(rows)
}

func scanInstances(rows *sql.Rows) ([]Instance, error) {
	defer rows.Close() //nolint:errcheck // rows.Err() below catches read errors

	var instances []Instance
	for rows.Next() {
		var (
			inst     Instance
			state    string
			details  sql.NullString
			stopTime sql.NullInt64
		)
		if err := rows.Scan(&inst.UserID, &inst.ChallengeID, &state, &details, &stopTime); err != nil {
			return nil, fmt.Errorf("scan instance row: %w", err)
		}
		inst.State = State(state)
		if details.Valid {
			inst.Details = &details.String
		}
		if stopTime.Valid {
			inst.StopTime = &stopTime.Int64
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instance rows: %w", err)
	}
	return instances, nil
}
