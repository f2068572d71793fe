package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"canonid.io/internal/audit"
)

// Audit chain persistence. audit_chain_tails holds the current tail hash per
// subject scope; AppendRecord updates it with a compare-and-swap so two
// concurrent seals for the same scope can never both land.

func (s session) LastSealedHash(ctx context.Context, subjectType, subjectID string) (string, error) {
	var tail string
	err := s.q.QueryRowContext(ctx, `
		select tail_hash from audit_chain_tails where subject_type=$1 and subject_id=$2
	`, subjectType, subjectID).Scan(&tail)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", mapPgError(err)
	}
	return tail, nil
}

func (s session) AppendRecord(ctx context.Context, rec audit.Record) error {
	if !rec.Sealed {
		return fmt.Errorf("%w: refusing to append unsealed record", audit.ErrValidation)
	}

	var res sql.Result
	var err error
	if rec.PreviousHash == "" {
		res, err = s.q.ExecContext(ctx, `
			insert into audit_chain_tails (subject_type, subject_id, tail_hash)
			values ($1, $2, $3)
			on conflict (subject_type, subject_id) do nothing
		`, rec.SubjectType, rec.SubjectID, rec.RecordHash)
	} else {
		res, err = s.q.ExecContext(ctx, `
			update audit_chain_tails set tail_hash=$3
			where subject_type=$1 and subject_id=$2 and tail_hash=$4
		`, rec.SubjectType, rec.SubjectID, rec.RecordHash, rec.PreviousHash)
	}
	if err != nil {
		return mapPgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: previous hash %q is no longer the scope tail", audit.ErrChainConflict, rec.PreviousHash)
	}

	before, err := json.Marshal(rec.Before)
	if err != nil {
		return err
	}
	after, err := json.Marshal(rec.After)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		insert into audit_records
			(id, subject_type, subject_id, action, actor, occurred_at, before, after,
			 record_hash, previous_hash, signature, sealed, sealed_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rec.ID, rec.SubjectType, rec.SubjectID, string(rec.Action), rec.Actor, rec.OccurredAt,
		before, after, rec.RecordHash, rec.PreviousHash, rec.Signature, rec.Sealed, rec.SealedAt)
	return mapPgError(err)
}

func (s session) ListRecords(ctx context.Context, subjectType, subjectID string) ([]audit.Record, error) {
	rows, err := s.q.QueryContext(ctx, `
		select id, subject_type, subject_id, action, actor, occurred_at, before, after,
		       record_hash, coalesce(previous_hash,''), signature, sealed, sealed_at
		from audit_records
		where subject_type=$1 and subject_id=$2
		order by seq asc
	`, subjectType, subjectID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var rec audit.Record
		var action string
		var before, after []byte
		err := rows.Scan(&rec.ID, &rec.SubjectType, &rec.SubjectID, &action, &rec.Actor,
			&rec.OccurredAt, &before, &after, &rec.RecordHash, &rec.PreviousHash,
			&rec.Signature, &rec.Sealed, &rec.SealedAt)
		if err != nil {
			return nil, err
		}
		rec.Action = audit.Action(action)
		if len(before) > 0 {
			if err := json.Unmarshal(before, &rec.Before); err != nil {
				return nil, err
			}
		}
		if len(after) > 0 {
			if err := json.Unmarshal(after, &rec.After); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s session) ListSubjects(ctx context.Context) ([]audit.Subject, error) {
	rows, err := s.q.QueryContext(ctx, `
		select subject_type, subject_id from audit_chain_tails
		order by subject_type asc, subject_id asc
	`)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []audit.Subject
	for rows.Next() {
		var sub audit.Subject
		if err := rows.Scan(&sub.Type, &sub.ID); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
