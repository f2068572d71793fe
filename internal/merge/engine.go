package merge

import (
	"context"
	"fmt"
	"time"

	"canonid.io/internal/audit"
	"canonid.io/internal/auth"
	"canonid.io/internal/identity"
	"canonid.io/internal/ids"
)

// Engine consolidates two identity records that represent the same person.
// Preview is side-effect free and may run any number of times; Execute
// applies the whole merge, or nothing, inside one store transaction.
type Engine struct {
	store  identity.Store
	sealer *audit.Sealer
	now    func() time.Time
	notify func(audit.Record)
}

// Option configures Engine behavior.
type Option func(*Engine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithNotifier registers a callback invoked with the sealed Merged record
// after the merge transaction committed.
func WithNotifier(fn func(audit.Record)) Option {
	return func(e *Engine) {
		e.notify = fn
	}
}

// NewEngine constructs an Engine.
func NewEngine(store identity.Store, sealer *audit.Sealer, opts ...Option) *Engine {
	e := &Engine{store: store, sealer: sealer, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Preview computes what merging source into target would do: children that
// re-parent, field conflicts requiring a caller decision, and warnings. It
// always reflects current data and mutates nothing.
func (e *Engine) Preview(ctx context.Context, sourceID, targetID string) (Plan, error) {
	if sourceID == "" || targetID == "" {
		return Plan{}, fmt.Errorf("%w: source and target ids are required", identity.ErrInvalidInput)
	}
	if sourceID == targetID {
		return Plan{}, fmt.Errorf("%w: source and target must differ", identity.ErrInvalidInput)
	}
	source, target, err := e.loadActivePair(ctx, e.store, sourceID, targetID)
	if err != nil {
		return Plan{}, err
	}
	children, err := e.store.Children(ctx, sourceID)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{
		SourceID:  sourceID,
		TargetID:  targetID,
		AsOf:      e.now().UTC(),
		Reparent:  childRefs(children),
		Conflicts: diffFields(source, target),
	}

	activeFuture := 0
	for _, grant := range children.Grants {
		if grant.Status != identity.GrantActive {
			continue
		}
		if grant.ExpiresAt == nil || grant.ExpiresAt.After(plan.AsOf) {
			activeFuture++
		}
	}
	if activeFuture > 0 {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf(
			"source has %d active access grant(s); merging transfers them to the target without revocation", activeFuture))
	}
	for _, dev := range children.Devices {
		if !dev.Compliant {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf(
				"source device %s is non-compliant and will transfer as-is", dev.ID))
		}
	}
	return plan, nil
}

// Execute applies a previewed plan. Every reported conflict needs an explicit
// resolution or the call fails with ConflictError and zero mutation.
// Re-parenting, field updates, the source's transition to Merged and the
// sealed Merged audit record all commit atomically; on any mid-flight failure
// nothing persists. Re-running an already-applied plan fails with
// ErrNotFound because the source is no longer Active.
func (e *Engine) Execute(ctx context.Context, plan Plan, resolutions Resolutions) (Result, error) {
	if plan.SourceID == "" || plan.TargetID == "" {
		return Result{}, fmt.Errorf("%w: source and target ids are required", ErrInvalidPlan)
	}
	if plan.SourceID == plan.TargetID {
		return Result{}, fmt.Errorf("%w: source and target must differ", ErrInvalidPlan)
	}
	for field := range resolutions {
		if !isMergeableField(field) {
			return Result{}, fmt.Errorf("%w: unknown field %q in resolutions", ErrInvalidPlan, field)
		}
	}
	var unresolved []string
	for _, conflict := range plan.Conflicts {
		if _, ok := resolutions[conflict.Field]; !ok {
			unresolved = append(unresolved, conflict.Field)
		}
	}
	if len(unresolved) > 0 {
		return Result{}, &ConflictError{Fields: unresolved}
	}

	var result Result
	var sealedRec audit.Record
	err := e.store.InTx(ctx, func(tx identity.Store) error {
		if err := tx.LockIdentities(ctx, plan.SourceID, plan.TargetID); err != nil {
			return err
		}
		source, target, err := e.loadActivePair(ctx, tx, plan.SourceID, plan.TargetID)
		if err != nil {
			return err
		}
		before := map[string]any{
			"source": identity.IdentitySnapshot(source),
			"target": identity.IdentitySnapshot(target),
		}

		// Children may have changed since preview; move the current set so
		// nothing stays attached to a record about to be retired.
		children, err := tx.Children(ctx, source.ID)
		if err != nil {
			return err
		}
		moved := 0
		for _, ref := range childRefs(children) {
			if err := tx.Reparent(ctx, ref.Kind, ref.ID, target.ID); err != nil {
				return err
			}
			moved++
		}

		for field, value := range resolutions {
			setFieldValue(&target, field, value)
		}
		// Fields empty on the target inherit the source value; this is a
		// move, not a conflict.
		for _, field := range mergeableFields {
			if _, chosen := resolutions[field]; chosen {
				continue
			}
			if fieldValue(target, field) == "" {
				setFieldValue(&target, field, fieldValue(source, field))
			}
		}

		now := e.now().UTC()
		target.UpdatedAt = now
		if err := tx.UpdateIdentity(ctx, target); err != nil {
			return err
		}

		source.Status = identity.StatusMerged
		source.MergedInto = target.ID
		source.UpdatedAt = now
		if err := tx.UpdateIdentity(ctx, source); err != nil {
			return err
		}

		sealed, err := audit.NewLedger(e.sealer, tx).SealEvent(ctx, audit.Record{
			ID:          ids.New(),
			SubjectType: identity.SubjectIdentity,
			SubjectID:   target.ID,
			Action:      audit.ActionMerged,
			Actor:       actorFromContext(ctx),
			OccurredAt:  now,
			Before:      before,
			After:       map[string]any{"target": identity.IdentitySnapshot(target)},
		})
		if err != nil {
			return err
		}
		sealedRec = sealed

		result = Result{
			Target:        target,
			SourceID:      source.ID,
			MovedChildren: moved,
			AuditRecordID: sealed.ID,
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if e.notify != nil {
		e.notify(sealedRec)
	}
	return result, nil
}

// loadActivePair loads both identities and rejects any that is not currently
// Active. Merging into or out of a Disabled or Merged record is refused so
// merge chains cannot be built accidentally.
func (e *Engine) loadActivePair(ctx context.Context, st identity.Store, sourceID, targetID string) (identity.Identity, identity.Identity, error) {
	source, err := st.GetIdentity(ctx, sourceID)
	if err != nil {
		return identity.Identity{}, identity.Identity{}, err
	}
	if source.Status != identity.StatusActive {
		return identity.Identity{}, identity.Identity{}, fmt.Errorf(
			"%w: source identity %s is %s, not Active", identity.ErrNotFound, sourceID, source.Status)
	}
	target, err := st.GetIdentity(ctx, targetID)
	if err != nil {
		return identity.Identity{}, identity.Identity{}, err
	}
	if target.Status != identity.StatusActive {
		return identity.Identity{}, identity.Identity{}, fmt.Errorf(
			"%w: target identity %s is %s, not Active", identity.ErrNotFound, targetID, target.Status)
	}
	return source, target, nil
}

func actorFromContext(ctx context.Context) string {
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		return userID
	}
	return "system"
}

func childRefs(children identity.Children) []ChildRef {
	refs := make([]ChildRef, 0,
		len(children.Devices)+len(children.Accounts)+len(children.Groups)+len(children.Grants))
	for _, dev := range children.Devices {
		refs = append(refs, ChildRef{Kind: identity.ChildDevice, ID: dev.ID, Name: dev.Name})
	}
	for _, acc := range children.Accounts {
		refs = append(refs, ChildRef{Kind: identity.ChildAccount, ID: acc.ID, Name: acc.Service})
	}
	for _, gm := range children.Groups {
		refs = append(refs, ChildRef{Kind: identity.ChildGroup, ID: gm.ID, Name: gm.GroupName})
	}
	for _, grant := range children.Grants {
		refs = append(refs, ChildRef{Kind: identity.ChildGrant, ID: grant.ID, Name: grant.Resource})
	}
	return refs
}
