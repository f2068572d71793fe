package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"canonid.io/internal/identity"
)

// Store implements identity.Store on PostgreSQL through database/sql with the
// pgx stdlib driver. InTx opens a serializable transaction; LockIdentities
// takes row locks with `for update nowait` in sorted id order so concurrent
// merges fail fast instead of deadlocking.
type Store struct {
	db *sql.DB
	session
}

var _ identity.Store = (*Store)(nil)

// Open connects to dsn with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewStore(db), nil
}

// NewStore wraps an existing pool. Used by tests with sqlmock.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, session: session{q: db}}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// InTx runs fn inside one serializable transaction. The Store passed to fn
// routes every operation, including audit chain appends, through that
// transaction. Nothing persists unless fn returns nil and commit succeeds.
func (s *Store) InTx(ctx context.Context, fn func(identity.Store) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&txStore{session: session{q: tx}}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapPgError(err)
	}
	return nil
}

// LockIdentities outside a transaction only verifies existence; exclusive
// locks are meaningful inside InTx.
func (s *Store) LockIdentities(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if _, err := s.GetIdentity(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// txStore is the transaction-scoped Store handed to InTx callbacks.
type txStore struct {
	session
}

var _ identity.Store = (*txStore)(nil)

func (t *txStore) InTx(ctx context.Context, fn func(identity.Store) error) error {
	return fn(t)
}

func (t *txStore) LockIdentities(ctx context.Context, ids ...string) error {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for _, id := range sorted {
		var dummy int
		err := t.q.QueryRowContext(ctx,
			`select 1 from identities where id=$1 for update nowait`, id).Scan(&dummy)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: identity %s", identity.ErrNotFound, id)
		}
		if err != nil {
			return mapPgError(err)
		}
	}
	return nil
}

// runner is satisfied by *sql.DB and *sql.Tx.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// session carries the shared data-access methods over either a pool or a
// transaction.
type session struct {
	q runner
}

const identityColumns = `id, email, full_name,
	coalesce(department,''), coalesce(role,''), coalesce(manager,''), coalesce(location,''),
	status, coalesce(merged_into,''), created_at, updated_at, last_seen`

func (s session) CreateIdentity(ctx context.Context, ident identity.Identity) error {
	if ident.ID == "" || ident.Email == "" {
		return fmt.Errorf("%w: id and email are required", identity.ErrInvalidInput)
	}
	_, err := s.q.ExecContext(ctx, `
		insert into identities
			(id, email, full_name, department, role, manager, location, status, merged_into, created_at, updated_at, last_seen)
		values ($1, lower($2), $3, nullif($4,''), nullif($5,''), nullif($6,''), nullif($7,''), $8, nullif($9,''), $10, $11, $12)
	`, ident.ID, ident.Email, ident.FullName, ident.Department, ident.Role, ident.Manager,
		ident.Location, string(ident.Status), ident.MergedInto, ident.CreatedAt, ident.UpdatedAt, ident.LastSeen)
	return mapPgError(err)
}

func (s session) GetIdentity(ctx context.Context, id string) (identity.Identity, error) {
	row := s.q.QueryRowContext(ctx, `select `+identityColumns+` from identities where id=$1`, id)
	ident, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Identity{}, fmt.Errorf("%w: identity %s", identity.ErrNotFound, id)
	}
	if err != nil {
		return identity.Identity{}, mapPgError(err)
	}
	return ident, nil
}

func (s session) FindIdentityByEmail(ctx context.Context, email string) (identity.Identity, error) {
	row := s.q.QueryRowContext(ctx, `select `+identityColumns+` from identities where email=lower($1)`, email)
	ident, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Identity{}, fmt.Errorf("%w: email %s", identity.ErrNotFound, email)
	}
	if err != nil {
		return identity.Identity{}, mapPgError(err)
	}
	return ident, nil
}

func (s session) ListIdentities(ctx context.Context, f identity.IdentityFilter) ([]identity.Identity, error) {
	limit, offset := clampPage(f.Limit, f.Offset)
	rows, err := s.q.QueryContext(ctx, `
		select `+identityColumns+` from identities
		where ($1 = '' or department = $1)
		  and ($2 = '' or status = $2)
		order by email asc
		limit $3 offset $4
	`, f.Department, string(f.Status), limit, offset)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []identity.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

func (s session) UpdateIdentity(ctx context.Context, ident identity.Identity) error {
	res, err := s.q.ExecContext(ctx, `
		update identities set
			email=lower($2), full_name=$3, department=nullif($4,''), role=nullif($5,''),
			manager=nullif($6,''), location=nullif($7,''), status=$8, merged_into=nullif($9,''),
			updated_at=$10, last_seen=$11
		where id=$1
	`, ident.ID, ident.Email, ident.FullName, ident.Department, ident.Role, ident.Manager,
		ident.Location, string(ident.Status), ident.MergedInto, ident.UpdatedAt, ident.LastSeen)
	if err != nil {
		return mapPgError(err)
	}
	return requireRow(res, identity.ErrNotFound, "identity "+ident.ID)
}

const deviceColumns = `id, name, status, compliant,
	coalesce(ip_address,''), coalesce(mac_address,''), coalesce(vlan,''), coalesce(os_version,''),
	coalesce(owner_id,''), last_seen`

func (s session) CreateDevice(ctx context.Context, dev identity.Device) error {
	if dev.ID == "" || dev.Name == "" {
		return fmt.Errorf("%w: device id and name are required", identity.ErrInvalidInput)
	}
	_, err := s.q.ExecContext(ctx, `
		insert into devices (id, name, status, compliant, ip_address, mac_address, vlan, os_version, owner_id, last_seen)
		values ($1, $2, $3, $4, nullif($5,''), nullif($6,''), nullif($7,''), nullif($8,''), nullif($9,''), $10)
	`, dev.ID, dev.Name, string(dev.Status), dev.Compliant, dev.IPAddress, dev.MACAddress,
		dev.VLAN, dev.OSVersion, dev.OwnerID, dev.LastSeen)
	return mapPgError(err)
}

func (s session) GetDevice(ctx context.Context, id string) (identity.Device, error) {
	row := s.q.QueryRowContext(ctx, `select `+deviceColumns+` from devices where id=$1`, id)
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Device{}, fmt.Errorf("%w: device %s", identity.ErrNotFound, id)
	}
	if err != nil {
		return identity.Device{}, mapPgError(err)
	}
	return dev, nil
}

func (s session) ListDevices(ctx context.Context, f identity.DeviceFilter) ([]identity.Device, error) {
	limit, offset := clampPage(f.Limit, f.Offset)
	rows, err := s.q.QueryContext(ctx, `
		select `+deviceColumns+` from devices
		where ($1 = '' or owner_id = $1)
		  and (not $2 or owner_id is null)
		order by id asc
		limit $3 offset $4
	`, f.OwnerID, f.OrphanedOnly, limit, offset)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []identity.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dev)
	}
	return out, rows.Err()
}

func (s session) DeleteDevice(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `delete from devices where id=$1`, id)
	if err != nil {
		return mapPgError(err)
	}
	return requireRow(res, identity.ErrNotFound, "device "+id)
}

func (s session) CreateAccount(ctx context.Context, acc identity.Account) error {
	if acc.ID == "" || acc.Service == "" {
		return fmt.Errorf("%w: account id and service are required", identity.ErrInvalidInput)
	}
	_, err := s.q.ExecContext(ctx, `
		insert into accounts (id, service, user_email, status, owner_id)
		values ($1, $2, $3, $4, $5)
	`, acc.ID, acc.Service, acc.UserEmail, string(acc.Status), acc.OwnerID)
	return mapPgError(err)
}

func (s session) CreateGroupMembership(ctx context.Context, gm identity.GroupMembership) error {
	if gm.ID == "" || gm.GroupName == "" {
		return fmt.Errorf("%w: membership id and group name are required", identity.ErrInvalidInput)
	}
	_, err := s.q.ExecContext(ctx, `
		insert into group_memberships (id, group_name, owner_id)
		values ($1, $2, $3)
	`, gm.ID, gm.GroupName, gm.OwnerID)
	return mapPgError(err)
}

func (s session) Children(ctx context.Context, ownerID string) (identity.Children, error) {
	if _, err := s.GetIdentity(ctx, ownerID); err != nil {
		return identity.Children{}, err
	}
	var out identity.Children

	devices, err := s.ListDevices(ctx, identity.DeviceFilter{OwnerID: ownerID, Limit: 1000})
	if err != nil {
		return identity.Children{}, err
	}
	out.Devices = devices

	rows, err := s.q.QueryContext(ctx, `
		select id, service, user_email, status, owner_id from accounts where owner_id=$1 order by id asc
	`, ownerID)
	if err != nil {
		return identity.Children{}, mapPgError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var acc identity.Account
		var status string
		if err := rows.Scan(&acc.ID, &acc.Service, &acc.UserEmail, &status, &acc.OwnerID); err != nil {
			return identity.Children{}, err
		}
		acc.Status = identity.GrantStatus(status)
		out.Accounts = append(out.Accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return identity.Children{}, err
	}

	grows, err := s.q.QueryContext(ctx, `
		select id, group_name, owner_id from group_memberships where owner_id=$1 order by id asc
	`, ownerID)
	if err != nil {
		return identity.Children{}, mapPgError(err)
	}
	defer grows.Close()
	for grows.Next() {
		var gm identity.GroupMembership
		if err := grows.Scan(&gm.ID, &gm.GroupName, &gm.OwnerID); err != nil {
			return identity.Children{}, err
		}
		out.Groups = append(out.Groups, gm)
	}
	if err := grows.Err(); err != nil {
		return identity.Children{}, err
	}

	grants, err := s.ListGrants(ctx, identity.GrantFilter{UserID: ownerID, Limit: 1000})
	if err != nil {
		return identity.Children{}, err
	}
	out.Grants = grants
	return out, nil
}

func (s session) Reparent(ctx context.Context, kind identity.ChildKind, childID, newOwnerID string) error {
	var query string
	switch kind {
	case identity.ChildDevice:
		query = `update devices set owner_id=$2 where id=$1`
	case identity.ChildAccount:
		query = `update accounts set owner_id=$2 where id=$1`
	case identity.ChildGroup:
		query = `update group_memberships set owner_id=$2 where id=$1`
	case identity.ChildGrant:
		query = `update access_grants set user_id=$2 where id=$1`
	default:
		return fmt.Errorf("%w: unknown child kind %q", identity.ErrInvalidInput, kind)
	}
	res, err := s.q.ExecContext(ctx, query, childID, newOwnerID)
	if err != nil {
		return mapPgError(err)
	}
	return requireRow(res, identity.ErrNotFound, string(kind)+" "+childID)
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (identity.Identity, error) {
	var ident identity.Identity
	var status string
	err := row.Scan(&ident.ID, &ident.Email, &ident.FullName, &ident.Department, &ident.Role,
		&ident.Manager, &ident.Location, &status, &ident.MergedInto,
		&ident.CreatedAt, &ident.UpdatedAt, &ident.LastSeen)
	if err != nil {
		return identity.Identity{}, err
	}
	ident.Status = identity.Status(status)
	return ident, nil
}

func scanDevice(row rowScanner) (identity.Device, error) {
	var dev identity.Device
	var status string
	err := row.Scan(&dev.ID, &dev.Name, &status, &dev.Compliant, &dev.IPAddress,
		&dev.MACAddress, &dev.VLAN, &dev.OSVersion, &dev.OwnerID, &dev.LastSeen)
	if err != nil {
		return identity.Device{}, err
	}
	dev.Status = identity.DeviceStatus(status)
	return dev, nil
}

func requireRow(res sql.Result, sentinel error, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", sentinel, what)
	}
	return nil
}

// mapPgError translates driver error codes into the store's sentinel errors.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", identity.ErrAlreadyExists, pgErr.ConstraintName)
		case "55P03", "40001": // lock_not_available, serialization_failure
			return fmt.Errorf("%w: %s", identity.ErrConcurrentModification, pgErr.Message)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", identity.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

// clampPage normalizes paging inputs to values Postgres accepts.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
