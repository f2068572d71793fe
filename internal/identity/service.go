package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"canonid.io/internal/audit"
	"canonid.io/internal/ids"
)

// Subject types used for audit chain scoping.
const (
	SubjectIdentity = "identity"
	SubjectDevice   = "device"
	SubjectGrant    = "access_grant"
)

// Service provides directory operations over the store. Every state change
// that matters for compliance is recorded as a sealed audit record inside the
// same transaction as the change itself.
type Service struct {
	store  Store
	sealer *audit.Sealer
	now    func() time.Time
	notify func(audit.Record)
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithNotifier registers a callback invoked with every sealed record after
// its transaction committed. Used to fan records out to live subscribers.
func WithNotifier(fn func(audit.Record)) ServiceOption {
	return func(s *Service) {
		s.notify = fn
	}
}

// NewService constructs a Service.
func NewService(store Store, sealer *audit.Sealer, opts ...ServiceOption) *Service {
	s := &Service{store: store, sealer: sealer, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewIdentityInput carries caller-supplied identity attributes.
type NewIdentityInput struct {
	Email      string `json:"email"`
	FullName   string `json:"full_name"`
	Department string `json:"department"`
	Role       string `json:"role"`
	Manager    string `json:"manager"`
	Location   string `json:"location"`
}

// CreateIdentity registers a new canonical identity and seals a Created
// record for it.
func (s *Service) CreateIdentity(ctx context.Context, actor string, in NewIdentityInput) (Identity, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return Identity{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.FullName) == "" {
		return Identity{}, fmt.Errorf("%w: full_name is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	ident := Identity{
		ID:         uuid.NewString(),
		Email:      email,
		FullName:   strings.TrimSpace(in.FullName),
		Department: strings.TrimSpace(in.Department),
		Role:       strings.TrimSpace(in.Role),
		Manager:    strings.TrimSpace(in.Manager),
		Location:   strings.TrimSpace(in.Location),
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
		LastSeen:   now,
	}
	var sealed audit.Record
	err := s.store.InTx(ctx, func(tx Store) error {
		if err := tx.CreateIdentity(ctx, ident); err != nil {
			return err
		}
		var err error
		sealed, err = s.seal(ctx, tx, audit.Record{
			ID:          ids.New(),
			SubjectType: SubjectIdentity,
			SubjectID:   ident.ID,
			Action:      audit.ActionCreated,
			Actor:       actor,
			OccurredAt:  now,
			After:       IdentitySnapshot(ident),
		})
		return err
	})
	if err != nil {
		return Identity{}, err
	}
	s.announce(sealed)
	return ident, nil
}

// Lookup resolves an identity by id. A Merged identity resolves to itself,
// with MergedInto pointing at the canonical record, so callers can redirect.
func (s *Service) Lookup(ctx context.Context, id string) (Identity, error) {
	return s.store.GetIdentity(ctx, id)
}

// List returns identities matching the filter.
func (s *Service) List(ctx context.Context, f IdentityFilter) ([]Identity, error) {
	return s.store.ListIdentities(ctx, f)
}

// ChildrenOf loads all records owned by an identity.
func (s *Service) ChildrenOf(ctx context.Context, id string) (Children, error) {
	return s.store.Children(ctx, id)
}

// Disable sets an Active identity to Disabled and seals the transition.
func (s *Service) Disable(ctx context.Context, actor, id string) (Identity, error) {
	var out Identity
	var sealed audit.Record
	err := s.store.InTx(ctx, func(tx Store) error {
		if err := tx.LockIdentities(ctx, id); err != nil {
			return err
		}
		ident, err := tx.GetIdentity(ctx, id)
		if err != nil {
			return err
		}
		if ident.Status != StatusActive {
			return fmt.Errorf("%w: identity %s is not active", ErrNotFound, id)
		}
		before := IdentitySnapshot(ident)
		now := s.now().UTC()
		ident.Status = StatusDisabled
		ident.UpdatedAt = now
		if err := tx.UpdateIdentity(ctx, ident); err != nil {
			return err
		}
		sealed, err = s.seal(ctx, tx, audit.Record{
			ID:          ids.New(),
			SubjectType: SubjectIdentity,
			SubjectID:   ident.ID,
			Action:      audit.ActionDisabled,
			Actor:       actor,
			OccurredAt:  now,
			Before:      before,
			After:       IdentitySnapshot(ident),
		})
		if err != nil {
			return err
		}
		out = ident
		return nil
	})
	if err != nil {
		return Identity{}, err
	}
	s.announce(sealed)
	return out, nil
}

// NewDeviceInput carries caller-supplied device attributes.
type NewDeviceInput struct {
	Name       string       `json:"name"`
	Status     DeviceStatus `json:"status"`
	Compliant  bool         `json:"compliant"`
	IPAddress  string       `json:"ip_address"`
	MACAddress string       `json:"mac_address"`
	VLAN       string       `json:"vlan"`
	OSVersion  string       `json:"os_version"`
	OwnerID    string       `json:"owner_id"`
}

// RegisterDevice creates a device. An empty owner is allowed and leaves the
// device orphaned until claimed.
func (s *Service) RegisterDevice(ctx context.Context, in NewDeviceInput) (Device, error) {
	if strings.TrimSpace(in.Name) == "" {
		return Device{}, fmt.Errorf("%w: device name is required", ErrInvalidInput)
	}
	status := in.Status
	if status == "" {
		status = DeviceUnknown
	}
	dev := Device{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(in.Name),
		Status:     status,
		Compliant:  in.Compliant,
		IPAddress:  strings.TrimSpace(in.IPAddress),
		MACAddress: strings.TrimSpace(in.MACAddress),
		VLAN:       strings.TrimSpace(in.VLAN),
		OSVersion:  strings.TrimSpace(in.OSVersion),
		OwnerID:    strings.TrimSpace(in.OwnerID),
		LastSeen:   s.now().UTC(),
	}
	if err := s.store.CreateDevice(ctx, dev); err != nil {
		return Device{}, err
	}
	return dev, nil
}

// RemoveDevice deletes a device from the registry.
func (s *Service) RemoveDevice(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}
	return s.store.DeleteDevice(ctx, id)
}

// OrphanedDevices lists devices with no owning identity.
func (s *Service) OrphanedDevices(ctx context.Context, limit, offset int) ([]Device, error) {
	return s.store.ListDevices(ctx, DeviceFilter{OrphanedOnly: true, Limit: limit, Offset: offset})
}

// GrantInput carries caller-supplied grant attributes.
type GrantInput struct {
	UserID         string     `json:"user_id"`
	Resource       string     `json:"resource"`
	AccessLevel    string     `json:"access_level"`
	Justification  string     `json:"justification"`
	ExpiresAt      *time.Time `json:"expires_at"`
	RiskLevel      string     `json:"risk_level"`
	ComplianceTags []string   `json:"compliance_tags"`
}

// Grant issues an access grant and seals a Granted record for it.
func (s *Service) Grant(ctx context.Context, actor string, in GrantInput) (AccessGrant, error) {
	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.Resource) == "" {
		return AccessGrant{}, fmt.Errorf("%w: user_id and resource are required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.AccessLevel) == "" {
		return AccessGrant{}, fmt.Errorf("%w: access_level is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	if in.ExpiresAt != nil && in.ExpiresAt.Before(now) {
		return AccessGrant{}, fmt.Errorf("%w: expires_at precedes granted_at", ErrInvalidInput)
	}
	grant := AccessGrant{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		Resource:       strings.TrimSpace(in.Resource),
		AccessLevel:    strings.TrimSpace(in.AccessLevel),
		Justification:  strings.TrimSpace(in.Justification),
		GrantedBy:      actor,
		GrantedAt:      now,
		ExpiresAt:      in.ExpiresAt,
		RiskLevel:      strings.TrimSpace(in.RiskLevel),
		ComplianceTags: in.ComplianceTags,
		Status:         GrantActive,
	}
	var sealed audit.Record
	err := s.store.InTx(ctx, func(tx Store) error {
		ident, err := tx.GetIdentity(ctx, grant.UserID)
		if err != nil {
			return err
		}
		if ident.Status != StatusActive {
			return fmt.Errorf("%w: identity %s is not active", ErrNotFound, ident.ID)
		}
		if err := tx.CreateGrant(ctx, grant); err != nil {
			return err
		}
		sealed, err = s.seal(ctx, tx, audit.Record{
			ID:          ids.New(),
			SubjectType: SubjectGrant,
			SubjectID:   grant.ID,
			Action:      audit.ActionGranted,
			Actor:       actor,
			OccurredAt:  now,
			After:       GrantSnapshot(grant),
		})
		return err
	})
	if err != nil {
		return AccessGrant{}, err
	}
	s.announce(sealed)
	return grant, nil
}

// Revoke marks an active grant revoked. The sealed Revoked record referencing
// the grant id is written in the same transaction: a revoked grant without
// its audit record can never be observed.
func (s *Service) Revoke(ctx context.Context, actor, grantID, justification string) (AccessGrant, error) {
	var out AccessGrant
	var sealed audit.Record
	err := s.store.InTx(ctx, func(tx Store) error {
		grant, err := tx.GetGrant(ctx, grantID)
		if err != nil {
			return err
		}
		if grant.Status != GrantActive && grant.Status != GrantSuspended {
			return fmt.Errorf("%w: grant %s is not active", ErrNotFound, grantID)
		}
		before := GrantSnapshot(grant)
		now := s.now().UTC()
		grant.Status = GrantRevoked
		grant.RevokedAt = &now
		grant.RevocationJustification = strings.TrimSpace(justification)
		if err := tx.UpdateGrant(ctx, grant); err != nil {
			return err
		}
		sealed, err = s.seal(ctx, tx, audit.Record{
			ID:          ids.New(),
			SubjectType: SubjectGrant,
			SubjectID:   grant.ID,
			Action:      audit.ActionRevoked,
			Actor:       actor,
			OccurredAt:  now,
			Before:      before,
			After:       GrantSnapshot(grant),
		})
		if err != nil {
			return err
		}
		out = grant
		return nil
	})
	if err != nil {
		return AccessGrant{}, err
	}
	s.announce(sealed)
	return out, nil
}

func (s *Service) seal(ctx context.Context, tx Store, draft audit.Record) (audit.Record, error) {
	return audit.NewLedger(s.sealer, tx).SealEvent(ctx, draft)
}

// announce runs after commit, never inside the transaction.
func (s *Service) announce(rec audit.Record) {
	if s.notify != nil && rec.ID != "" {
		s.notify(rec)
	}
}

// IdentitySnapshot flattens an identity into an audit snapshot.
func IdentitySnapshot(ident Identity) map[string]any {
	snap := map[string]any{
		"id":        ident.ID,
		"email":     ident.Email,
		"full_name": ident.FullName,
		"status":    string(ident.Status),
	}
	if ident.Department != "" {
		snap["department"] = ident.Department
	}
	if ident.Role != "" {
		snap["role"] = ident.Role
	}
	if ident.Manager != "" {
		snap["manager"] = ident.Manager
	}
	if ident.Location != "" {
		snap["location"] = ident.Location
	}
	if ident.MergedInto != "" {
		snap["merged_into"] = ident.MergedInto
	}
	return snap
}

// GrantSnapshot flattens a grant into an audit snapshot.
func GrantSnapshot(grant AccessGrant) map[string]any {
	snap := map[string]any{
		"id":           grant.ID,
		"user_id":      grant.UserID,
		"resource":     grant.Resource,
		"access_level": grant.AccessLevel,
		"status":       string(grant.Status),
		"granted_by":   grant.GrantedBy,
		"granted_at":   grant.GrantedAt.UTC().Format(time.RFC3339Nano),
	}
	if grant.ExpiresAt != nil {
		snap["expires_at"] = grant.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if grant.RevokedAt != nil {
		snap["revoked_at"] = grant.RevokedAt.UTC().Format(time.RFC3339Nano)
	}
	if grant.RevocationJustification != "" {
		snap["revocation_justification"] = grant.RevocationJustification
	}
	return snap
}
