package identity

import (
	"context"

	"canonid.io/internal/audit"
)

// IdentityFilter narrows identity listings.
type IdentityFilter struct {
	Department string
	Status     Status
	Limit      int
	Offset     int
}

// DeviceFilter narrows device listings. OrphanedOnly selects devices with no
// owning identity.
type DeviceFilter struct {
	OwnerID      string
	OrphanedOnly bool
	Limit        int
	Offset       int
}

// GrantFilter narrows access grant listings.
type GrantFilter struct {
	UserID string
	Status GrantStatus
	Limit  int
	Offset int
}

// Store describes persistence for identities, their child records and the
// audit chain. Implementations provide the single ambient transaction via
// InTx: every method invoked on the Store passed to the callback joins that
// transaction, including the embedded audit chain operations.
type Store interface {
	CreateIdentity(ctx context.Context, ident Identity) error
	GetIdentity(ctx context.Context, id string) (Identity, error)
	FindIdentityByEmail(ctx context.Context, email string) (Identity, error)
	ListIdentities(ctx context.Context, f IdentityFilter) ([]Identity, error)
	UpdateIdentity(ctx context.Context, ident Identity) error

	CreateDevice(ctx context.Context, dev Device) error
	GetDevice(ctx context.Context, id string) (Device, error)
	ListDevices(ctx context.Context, f DeviceFilter) ([]Device, error)
	DeleteDevice(ctx context.Context, id string) error

	CreateAccount(ctx context.Context, acc Account) error
	CreateGroupMembership(ctx context.Context, gm GroupMembership) error

	CreateGrant(ctx context.Context, grant AccessGrant) error
	GetGrant(ctx context.Context, id string) (AccessGrant, error)
	ListGrants(ctx context.Context, f GrantFilter) ([]AccessGrant, error)
	UpdateGrant(ctx context.Context, grant AccessGrant) error

	// Children loads every record owned by the identity.
	Children(ctx context.Context, ownerID string) (Children, error)
	// Reparent moves one child record to a new owning identity.
	Reparent(ctx context.Context, kind ChildKind, childID, newOwnerID string) error

	audit.ChainStore

	// LockIdentities takes exclusive locks on the given identities for the
	// duration of the surrounding transaction. Bounded wait: contention is
	// reported as ErrConcurrentModification, never blocked on indefinitely.
	LockIdentities(ctx context.Context, ids ...string) error
	// InTx runs fn inside one transaction. Nothing persists on error.
	InTx(ctx context.Context, fn func(Store) error) error
}
