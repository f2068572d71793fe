package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"canonid.io/internal/audit"
)

const defaultLockWait = 2 * time.Second

// InMemory implements Store with in-process concurrency safety. Transactions
// clone the full state and commit by swapping it in, so a failed InTx leaves
// nothing behind. Transaction admission uses a bounded wait: a writer that
// cannot start within the lock window fails with ErrConcurrentModification.
type InMemory struct {
	sem      chan struct{}
	lockWait time.Duration

	mu sync.RWMutex
	st *state
}

var _ Store = (*InMemory)(nil)

type state struct {
	identities map[string]Identity
	emails     map[string]string
	devices    map[string]Device
	accounts   map[string]Account
	groups     map[string]GroupMembership
	grants     map[string]AccessGrant
	chain      *audit.MemoryChain
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		sem:      make(chan struct{}, 1),
		lockWait: defaultLockWait,
		st:       newState(),
	}
}

// SetLockWait overrides the transaction admission window. Test hook.
func (m *InMemory) SetLockWait(d time.Duration) {
	if d > 0 {
		m.lockWait = d
	}
}

func newState() *state {
	return &state{
		identities: make(map[string]Identity),
		emails:     make(map[string]string),
		devices:    make(map[string]Device),
		accounts:   make(map[string]Account),
		groups:     make(map[string]GroupMembership),
		grants:     make(map[string]AccessGrant),
		chain:      audit.NewMemoryChain(),
	}
}

func (m *InMemory) acquire(ctx context.Context) error {
	timer := time.NewTimer(m.lockWait)
	defer timer.Stop()
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: transaction lock wait exceeded", ErrConcurrentModification)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *InMemory) release() { <-m.sem }

func (m *InMemory) read() *state {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st
}

func (m *InMemory) write(ctx context.Context, fn func(st *state) error) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

// InTx clones state, applies fn to the clone and swaps it in on success.
func (m *InMemory) InTx(ctx context.Context, fn func(Store) error) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	m.mu.RLock()
	clone := m.st.clone()
	m.mu.RUnlock()

	if err := fn(&txView{st: clone}); err != nil {
		return err
	}

	m.mu.Lock()
	m.st = clone
	m.mu.Unlock()
	return nil
}

// LockIdentities on the root store only checks existence: exclusivity is
// provided by the transaction admission semaphore.
func (m *InMemory) LockIdentities(ctx context.Context, ids ...string) error {
	return m.read().lockIdentities(ids)
}

func (m *InMemory) CreateIdentity(ctx context.Context, ident Identity) error {
	return m.write(ctx, func(st *state) error { return st.createIdentity(ident) })
}

func (m *InMemory) GetIdentity(ctx context.Context, id string) (Identity, error) {
	return m.read().getIdentity(id)
}

func (m *InMemory) FindIdentityByEmail(ctx context.Context, email string) (Identity, error) {
	return m.read().findIdentityByEmail(email)
}

func (m *InMemory) ListIdentities(ctx context.Context, f IdentityFilter) ([]Identity, error) {
	return m.read().listIdentities(f)
}

func (m *InMemory) UpdateIdentity(ctx context.Context, ident Identity) error {
	return m.write(ctx, func(st *state) error { return st.updateIdentity(ident) })
}

func (m *InMemory) CreateDevice(ctx context.Context, dev Device) error {
	return m.write(ctx, func(st *state) error { return st.createDevice(dev) })
}

func (m *InMemory) GetDevice(ctx context.Context, id string) (Device, error) {
	return m.read().getDevice(id)
}

func (m *InMemory) ListDevices(ctx context.Context, f DeviceFilter) ([]Device, error) {
	return m.read().listDevices(f)
}

func (m *InMemory) DeleteDevice(ctx context.Context, id string) error {
	return m.write(ctx, func(st *state) error { return st.deleteDevice(id) })
}

func (m *InMemory) CreateAccount(ctx context.Context, acc Account) error {
	return m.write(ctx, func(st *state) error { return st.createAccount(acc) })
}

func (m *InMemory) CreateGroupMembership(ctx context.Context, gm GroupMembership) error {
	return m.write(ctx, func(st *state) error { return st.createGroupMembership(gm) })
}

func (m *InMemory) CreateGrant(ctx context.Context, grant AccessGrant) error {
	return m.write(ctx, func(st *state) error { return st.createGrant(grant) })
}

func (m *InMemory) GetGrant(ctx context.Context, id string) (AccessGrant, error) {
	return m.read().getGrant(id)
}

func (m *InMemory) ListGrants(ctx context.Context, f GrantFilter) ([]AccessGrant, error) {
	return m.read().listGrants(f)
}

func (m *InMemory) UpdateGrant(ctx context.Context, grant AccessGrant) error {
	return m.write(ctx, func(st *state) error { return st.updateGrant(grant) })
}

func (m *InMemory) Children(ctx context.Context, ownerID string) (Children, error) {
	return m.read().children(ownerID)
}

func (m *InMemory) Reparent(ctx context.Context, kind ChildKind, childID, newOwnerID string) error {
	return m.write(ctx, func(st *state) error { return st.reparent(kind, childID, newOwnerID) })
}

func (m *InMemory) LastSealedHash(ctx context.Context, subjectType, subjectID string) (string, error) {
	return m.read().chain.LastSealedHash(ctx, subjectType, subjectID)
}

func (m *InMemory) AppendRecord(ctx context.Context, rec audit.Record) error {
	return m.read().chain.AppendRecord(ctx, rec)
}

func (m *InMemory) ListRecords(ctx context.Context, subjectType, subjectID string) ([]audit.Record, error) {
	return m.read().chain.ListRecords(ctx, subjectType, subjectID)
}

func (m *InMemory) ListSubjects(ctx context.Context) ([]audit.Subject, error) {
	return m.read().chain.ListSubjects(ctx)
}

// txView is the Store handed to InTx callbacks. It operates directly on the
// cloned state: isolation comes from the clone, exclusivity from the
// admission semaphore held by the enclosing InTx.
type txView struct {
	st *state
}

var _ Store = (*txView)(nil)

func (t *txView) InTx(ctx context.Context, fn func(Store) error) error { return fn(t) }

func (t *txView) LockIdentities(ctx context.Context, ids ...string) error {
	return t.st.lockIdentities(ids)
}

func (t *txView) CreateIdentity(ctx context.Context, ident Identity) error {
	return t.st.createIdentity(ident)
}

func (t *txView) GetIdentity(ctx context.Context, id string) (Identity, error) {
	return t.st.getIdentity(id)
}

func (t *txView) FindIdentityByEmail(ctx context.Context, email string) (Identity, error) {
	return t.st.findIdentityByEmail(email)
}

func (t *txView) ListIdentities(ctx context.Context, f IdentityFilter) ([]Identity, error) {
	return t.st.listIdentities(f)
}

func (t *txView) UpdateIdentity(ctx context.Context, ident Identity) error {
	return t.st.updateIdentity(ident)
}

func (t *txView) CreateDevice(ctx context.Context, dev Device) error { return t.st.createDevice(dev) }

func (t *txView) GetDevice(ctx context.Context, id string) (Device, error) {
	return t.st.getDevice(id)
}

func (t *txView) ListDevices(ctx context.Context, f DeviceFilter) ([]Device, error) {
	return t.st.listDevices(f)
}

func (t *txView) DeleteDevice(ctx context.Context, id string) error { return t.st.deleteDevice(id) }

func (t *txView) CreateAccount(ctx context.Context, acc Account) error {
	return t.st.createAccount(acc)
}

func (t *txView) CreateGroupMembership(ctx context.Context, gm GroupMembership) error {
	return t.st.createGroupMembership(gm)
}

func (t *txView) CreateGrant(ctx context.Context, grant AccessGrant) error {
	return t.st.createGrant(grant)
}

func (t *txView) GetGrant(ctx context.Context, id string) (AccessGrant, error) {
	return t.st.getGrant(id)
}

func (t *txView) ListGrants(ctx context.Context, f GrantFilter) ([]AccessGrant, error) {
	return t.st.listGrants(f)
}

func (t *txView) UpdateGrant(ctx context.Context, grant AccessGrant) error {
	return t.st.updateGrant(grant)
}

func (t *txView) Children(ctx context.Context, ownerID string) (Children, error) {
	return t.st.children(ownerID)
}

func (t *txView) Reparent(ctx context.Context, kind ChildKind, childID, newOwnerID string) error {
	return t.st.reparent(kind, childID, newOwnerID)
}

func (t *txView) LastSealedHash(ctx context.Context, subjectType, subjectID string) (string, error) {
	return t.st.chain.LastSealedHash(ctx, subjectType, subjectID)
}

func (t *txView) AppendRecord(ctx context.Context, rec audit.Record) error {
	return t.st.chain.AppendRecord(ctx, rec)
}

func (t *txView) ListRecords(ctx context.Context, subjectType, subjectID string) ([]audit.Record, error) {
	return t.st.chain.ListRecords(ctx, subjectType, subjectID)
}

func (t *txView) ListSubjects(ctx context.Context) ([]audit.Subject, error) {
	return t.st.chain.ListSubjects(ctx)
}

// --- state operations ---

func (st *state) clone() *state {
	out := newState()
	for k, v := range st.identities {
		out.identities[k] = v
	}
	for k, v := range st.emails {
		out.emails[k] = v
	}
	for k, v := range st.devices {
		out.devices[k] = v
	}
	for k, v := range st.accounts {
		out.accounts[k] = v
	}
	for k, v := range st.groups {
		out.groups[k] = v
	}
	for k, v := range st.grants {
		out.grants[k] = v
	}
	out.chain = st.chain.Clone()
	return out
}

func (st *state) lockIdentities(ids []string) error {
	for _, id := range ids {
		if _, ok := st.identities[id]; !ok {
			return fmt.Errorf("%w: identity %s", ErrNotFound, id)
		}
	}
	return nil
}

func (st *state) createIdentity(ident Identity) error {
	if ident.ID == "" || ident.Email == "" {
		return fmt.Errorf("%w: id and email are required", ErrInvalidInput)
	}
	email := strings.ToLower(ident.Email)
	if _, ok := st.identities[ident.ID]; ok {
		return fmt.Errorf("%w: identity %s", ErrAlreadyExists, ident.ID)
	}
	if _, ok := st.emails[email]; ok {
		return fmt.Errorf("%w: email %s", ErrAlreadyExists, email)
	}
	ident.Email = email
	st.identities[ident.ID] = ident
	st.emails[email] = ident.ID
	return nil
}

func (st *state) getIdentity(id string) (Identity, error) {
	ident, ok := st.identities[id]
	if !ok {
		return Identity{}, fmt.Errorf("%w: identity %s", ErrNotFound, id)
	}
	return ident, nil
}

func (st *state) findIdentityByEmail(email string) (Identity, error) {
	id, ok := st.emails[strings.ToLower(email)]
	if !ok {
		return Identity{}, fmt.Errorf("%w: email %s", ErrNotFound, email)
	}
	return st.getIdentity(id)
}

func (st *state) listIdentities(f IdentityFilter) ([]Identity, error) {
	out := make([]Identity, 0, len(st.identities))
	for _, ident := range st.identities {
		if f.Department != "" && ident.Department != f.Department {
			continue
		}
		if f.Status != "" && ident.Status != f.Status {
			continue
		}
		out = append(out, ident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return window(out, f.Offset, f.Limit), nil
}

func (st *state) updateIdentity(ident Identity) error {
	current, ok := st.identities[ident.ID]
	if !ok {
		return fmt.Errorf("%w: identity %s", ErrNotFound, ident.ID)
	}
	email := strings.ToLower(ident.Email)
	if email != current.Email {
		if _, taken := st.emails[email]; taken {
			return fmt.Errorf("%w: email %s", ErrAlreadyExists, email)
		}
		delete(st.emails, current.Email)
		st.emails[email] = ident.ID
	}
	ident.Email = email
	st.identities[ident.ID] = ident
	return nil
}

func (st *state) createDevice(dev Device) error {
	if dev.ID == "" || dev.Name == "" {
		return fmt.Errorf("%w: device id and name are required", ErrInvalidInput)
	}
	if _, ok := st.devices[dev.ID]; ok {
		return fmt.Errorf("%w: device %s", ErrAlreadyExists, dev.ID)
	}
	if dev.OwnerID != "" {
		if _, ok := st.identities[dev.OwnerID]; !ok {
			return fmt.Errorf("%w: owner %s", ErrNotFound, dev.OwnerID)
		}
	}
	st.devices[dev.ID] = dev
	return nil
}

func (st *state) getDevice(id string) (Device, error) {
	dev, ok := st.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	return dev, nil
}

func (st *state) listDevices(f DeviceFilter) ([]Device, error) {
	out := make([]Device, 0, len(st.devices))
	for _, dev := range st.devices {
		if f.OrphanedOnly && dev.OwnerID != "" {
			continue
		}
		if f.OwnerID != "" && dev.OwnerID != f.OwnerID {
			continue
		}
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return window(out, f.Offset, f.Limit), nil
}

func (st *state) deleteDevice(id string) error {
	if _, ok := st.devices[id]; !ok {
		return fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	delete(st.devices, id)
	return nil
}

func (st *state) createAccount(acc Account) error {
	if acc.ID == "" || acc.Service == "" {
		return fmt.Errorf("%w: account id and service are required", ErrInvalidInput)
	}
	if _, ok := st.accounts[acc.ID]; ok {
		return fmt.Errorf("%w: account %s", ErrAlreadyExists, acc.ID)
	}
	if _, ok := st.identities[acc.OwnerID]; !ok {
		return fmt.Errorf("%w: owner %s", ErrNotFound, acc.OwnerID)
	}
	st.accounts[acc.ID] = acc
	return nil
}

func (st *state) createGroupMembership(gm GroupMembership) error {
	if gm.ID == "" || gm.GroupName == "" {
		return fmt.Errorf("%w: membership id and group name are required", ErrInvalidInput)
	}
	if _, ok := st.groups[gm.ID]; ok {
		return fmt.Errorf("%w: membership %s", ErrAlreadyExists, gm.ID)
	}
	if _, ok := st.identities[gm.OwnerID]; !ok {
		return fmt.Errorf("%w: owner %s", ErrNotFound, gm.OwnerID)
	}
	st.groups[gm.ID] = gm
	return nil
}

func (st *state) createGrant(grant AccessGrant) error {
	if grant.ID == "" || grant.UserID == "" || grant.Resource == "" {
		return fmt.Errorf("%w: grant id, user and resource are required", ErrInvalidInput)
	}
	if grant.ExpiresAt != nil && grant.ExpiresAt.Before(grant.GrantedAt) {
		return fmt.Errorf("%w: expires_at precedes granted_at", ErrInvalidInput)
	}
	if _, ok := st.grants[grant.ID]; ok {
		return fmt.Errorf("%w: grant %s", ErrAlreadyExists, grant.ID)
	}
	if _, ok := st.identities[grant.UserID]; !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, grant.UserID)
	}
	st.grants[grant.ID] = grant
	return nil
}

func (st *state) getGrant(id string) (AccessGrant, error) {
	grant, ok := st.grants[id]
	if !ok {
		return AccessGrant{}, fmt.Errorf("%w: grant %s", ErrNotFound, id)
	}
	return grant, nil
}

func (st *state) listGrants(f GrantFilter) ([]AccessGrant, error) {
	out := make([]AccessGrant, 0, len(st.grants))
	for _, grant := range st.grants {
		if f.UserID != "" && grant.UserID != f.UserID {
			continue
		}
		if f.Status != "" && grant.Status != f.Status {
			continue
		}
		out = append(out, grant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return window(out, f.Offset, f.Limit), nil
}

func (st *state) updateGrant(grant AccessGrant) error {
	if _, ok := st.grants[grant.ID]; !ok {
		return fmt.Errorf("%w: grant %s", ErrNotFound, grant.ID)
	}
	st.grants[grant.ID] = grant
	return nil
}

func (st *state) children(ownerID string) (Children, error) {
	if _, ok := st.identities[ownerID]; !ok {
		return Children{}, fmt.Errorf("%w: identity %s", ErrNotFound, ownerID)
	}
	var out Children
	for _, dev := range st.devices {
		if dev.OwnerID == ownerID {
			out.Devices = append(out.Devices, dev)
		}
	}
	for _, acc := range st.accounts {
		if acc.OwnerID == ownerID {
			out.Accounts = append(out.Accounts, acc)
		}
	}
	for _, gm := range st.groups {
		if gm.OwnerID == ownerID {
			out.Groups = append(out.Groups, gm)
		}
	}
	for _, grant := range st.grants {
		if grant.UserID == ownerID {
			out.Grants = append(out.Grants, grant)
		}
	}
	sort.Slice(out.Devices, func(i, j int) bool { return out.Devices[i].ID < out.Devices[j].ID })
	sort.Slice(out.Accounts, func(i, j int) bool { return out.Accounts[i].ID < out.Accounts[j].ID })
	sort.Slice(out.Groups, func(i, j int) bool { return out.Groups[i].ID < out.Groups[j].ID })
	sort.Slice(out.Grants, func(i, j int) bool { return out.Grants[i].ID < out.Grants[j].ID })
	return out, nil
}

func (st *state) reparent(kind ChildKind, childID, newOwnerID string) error {
	if _, ok := st.identities[newOwnerID]; !ok {
		return fmt.Errorf("%w: identity %s", ErrNotFound, newOwnerID)
	}
	switch kind {
	case ChildDevice:
		dev, ok := st.devices[childID]
		if !ok {
			return fmt.Errorf("%w: device %s", ErrNotFound, childID)
		}
		dev.OwnerID = newOwnerID
		st.devices[childID] = dev
	case ChildAccount:
		acc, ok := st.accounts[childID]
		if !ok {
			return fmt.Errorf("%w: account %s", ErrNotFound, childID)
		}
		acc.OwnerID = newOwnerID
		st.accounts[childID] = acc
	case ChildGroup:
		gm, ok := st.groups[childID]
		if !ok {
			return fmt.Errorf("%w: membership %s", ErrNotFound, childID)
		}
		gm.OwnerID = newOwnerID
		st.groups[childID] = gm
	case ChildGrant:
		grant, ok := st.grants[childID]
		if !ok {
			return fmt.Errorf("%w: grant %s", ErrNotFound, childID)
		}
		grant.UserID = newOwnerID
		st.grants[childID] = grant
	default:
		return fmt.Errorf("%w: unknown child kind %q", ErrInvalidInput, kind)
	}
	return nil
}

func window[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
