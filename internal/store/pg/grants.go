package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"canonid.io/internal/identity"
)

const grantColumns = `id, user_id, resource, access_level, coalesce(justification,''),
	granted_by, granted_at, expires_at, coalesce(risk_level,''), compliance_tags,
	status, revoked_at, coalesce(revocation_justification,'')`

func (s session) CreateGrant(ctx context.Context, grant identity.AccessGrant) error {
	if grant.ID == "" || grant.UserID == "" || grant.Resource == "" {
		return fmt.Errorf("%w: grant id, user_id and resource are required", identity.ErrInvalidInput)
	}
	tags, err := json.Marshal(grant.ComplianceTags)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		insert into access_grants
			(id, user_id, resource, access_level, justification, granted_by, granted_at,
			 expires_at, risk_level, compliance_tags, status, revoked_at, revocation_justification)
		values ($1, $2, $3, $4, nullif($5,''), $6, $7, $8, nullif($9,''), $10, $11, $12, nullif($13,''))
	`, grant.ID, grant.UserID, grant.Resource, grant.AccessLevel, grant.Justification,
		grant.GrantedBy, grant.GrantedAt, grant.ExpiresAt, grant.RiskLevel, tags,
		string(grant.Status), grant.RevokedAt, grant.RevocationJustification)
	return mapPgError(err)
}

func (s session) GetGrant(ctx context.Context, id string) (identity.AccessGrant, error) {
	row := s.q.QueryRowContext(ctx, `select `+grantColumns+` from access_grants where id=$1`, id)
	grant, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.AccessGrant{}, fmt.Errorf("%w: grant %s", identity.ErrNotFound, id)
	}
	if err != nil {
		return identity.AccessGrant{}, mapPgError(err)
	}
	return grant, nil
}

func (s session) ListGrants(ctx context.Context, f identity.GrantFilter) ([]identity.AccessGrant, error) {
	limit, offset := clampPage(f.Limit, f.Offset)
	rows, err := s.q.QueryContext(ctx, `
		select `+grantColumns+` from access_grants
		where ($1 = '' or user_id = $1)
		  and ($2 = '' or status = $2)
		order by granted_at desc, id asc
		limit $3 offset $4
	`, f.UserID, string(f.Status), limit, offset)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []identity.AccessGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, grant)
	}
	return out, rows.Err()
}

func (s session) UpdateGrant(ctx context.Context, grant identity.AccessGrant) error {
	tags, err := json.Marshal(grant.ComplianceTags)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		update access_grants set
			user_id=$2, resource=$3, access_level=$4, justification=nullif($5,''),
			granted_by=$6, granted_at=$7, expires_at=$8, risk_level=nullif($9,''),
			compliance_tags=$10, status=$11, revoked_at=$12, revocation_justification=nullif($13,'')
		where id=$1
	`, grant.ID, grant.UserID, grant.Resource, grant.AccessLevel, grant.Justification,
		grant.GrantedBy, grant.GrantedAt, grant.ExpiresAt, grant.RiskLevel, tags,
		string(grant.Status), grant.RevokedAt, grant.RevocationJustification)
	if err != nil {
		return mapPgError(err)
	}
	return requireRow(res, identity.ErrNotFound, "grant "+grant.ID)
}

func scanGrant(row rowScanner) (identity.AccessGrant, error) {
	var grant identity.AccessGrant
	var status string
	var tags []byte
	err := row.Scan(&grant.ID, &grant.UserID, &grant.Resource, &grant.AccessLevel,
		&grant.Justification, &grant.GrantedBy, &grant.GrantedAt, &grant.ExpiresAt,
		&grant.RiskLevel, &tags, &status, &grant.RevokedAt, &grant.RevocationJustification)
	if err != nil {
		return identity.AccessGrant{}, err
	}
	grant.Status = identity.GrantStatus(status)
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &grant.ComplianceTags); err != nil {
			return identity.AccessGrant{}, err
		}
	}
	return grant, nil
}
