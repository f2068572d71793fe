package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"canonid.io/internal/audit"
)

func testService(t *testing.T) (*Service, *InMemory) {
	t.Helper()
	sealer, err := audit.NewSealer(audit.StaticKey("test-key"))
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	store := NewInMemory()
	svc := NewService(store, sealer, WithClock(func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}))
	return svc, store
}

func TestCreateIdentitySealsCreatedRecord(t *testing.T) {
	ctx := context.Background()
	svc, store := testService(t)

	ident, err := svc.CreateIdentity(ctx, "admin", NewIdentityInput{
		Email:    " Alice@Example.com ",
		FullName: "Alice Doe",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ident.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", ident.Email)
	}
	if ident.Status != StatusActive {
		t.Fatalf("new identity not active: %s", ident.Status)
	}

	records, err := store.ListRecords(ctx, SubjectIdentity, ident.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 sealed record, got %d", len(records))
	}
	rec := records[0]
	if rec.Action != audit.ActionCreated || !rec.Sealed || rec.Actor != "admin" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestCreateIdentityValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := testService(t)

	cases := []NewIdentityInput{
		{Email: "", FullName: "X"},
		{Email: "not-an-email", FullName: "X"},
		{Email: "a@example.com", FullName: "  "},
	}
	for _, in := range cases {
		if _, err := svc.CreateIdentity(ctx, "admin", in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("input %+v: expected ErrInvalidInput, got %v", in, err)
		}
	}
}

func TestCreateIdentityDuplicateEmailLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	svc, store := testService(t)

	if _, err := svc.CreateIdentity(ctx, "admin", NewIdentityInput{Email: "a@example.com", FullName: "A"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateIdentity(ctx, "admin", NewIdentityInput{Email: "a@example.com", FullName: "B"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	subjects, err := store.ListSubjects(ctx)
	if err != nil {
		t.Fatalf("subjects: %v", err)
	}
	if len(subjects) != 1 {
		t.Fatalf("failed create left audit residue: %+v", subjects)
	}
}

func TestDisableSealsTransition(t *testing.T) {
	ctx := context.Background()
	svc, store := testService(t)

	ident, err := svc.CreateIdentity(ctx, "admin", NewIdentityInput{Email: "a@example.com", FullName: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	disabled, err := svc.Disable(ctx, "admin", ident.ID)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if disabled.Status != StatusDisabled {
		t.Fatalf("status not disabled: %s", disabled.Status)
	}

	// Disabling twice fails: the record is no longer active.
	if _, err := svc.Disable(ctx, "admin", ident.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second disable, got %v", err)
	}

	records, err := store.ListRecords(ctx, SubjectIdentity, ident.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected Created+Disabled records, got %d", len(records))
	}
	last := records[1]
	if last.Action != audit.ActionDisabled || last.PreviousHash != records[0].RecordHash {
		t.Fatalf("disable record not chained: %+v", last)
	}
}

func TestGrantAndRevokeLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, store := testService(t)

	ident, err := svc.CreateIdentity(ctx, "admin", NewIdentityInput{Email: "a@example.com", FullName: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	grant, err := svc.Grant(ctx, "secops", GrantInput{
		UserID:      ident.ID,
		Resource:    "prod-db",
		AccessLevel: "read",
		RiskLevel:   "high",
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if grant.Status != GrantActive || grant.GrantedBy != "secops" {
		t.Fatalf("unexpected grant: %+v", grant)
	}

	revoked, err := svc.Revoke(ctx, "secops", grant.ID, "access review Q2")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.Status != GrantRevoked || revoked.RevokedAt == nil {
		t.Fatalf("grant not revoked: %+v", revoked)
	}
	if revoked.RevocationJustification != "access review Q2" {
		t.Fatalf("justification lost: %q", revoked.RevocationJustification)
	}

	// The revoked grant carries its sealed Revoked record in the same chain.
	records, err := store.ListRecords(ctx, SubjectGrant, grant.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 || records[1].Action != audit.ActionRevoked {
		t.Fatalf("expected Granted+Revoked, got %+v", records)
	}

	if _, err := svc.Revoke(ctx, "secops", grant.ID, "again"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double revoke should fail, got %v", err)
	}
}

func TestGrantRejectsPastExpiryAndInactiveUser(t *testing.T) {
	ctx := context.Background()
	svc, _ := testService(t)

	ident, err := svc.CreateIdentity(ctx, "admin", NewIdentityInput{Email: "a@example.com", FullName: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	past := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = svc.Grant(ctx, "secops", GrantInput{
		UserID: ident.ID, Resource: "r", AccessLevel: "read", ExpiresAt: &past,
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for past expiry, got %v", err)
	}

	if _, err := svc.Disable(ctx, "admin", ident.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	_, err = svc.Grant(ctx, "secops", GrantInput{UserID: ident.ID, Resource: "r", AccessLevel: "read"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("granting to a disabled identity should fail, got %v", err)
	}
}

func TestLookupExposesMergeRedirect(t *testing.T) {
	ctx := context.Background()
	svc, store := testService(t)

	ident, err := svc.CreateIdentity(ctx, "admin", NewIdentityInput{Email: "a@example.com", FullName: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	merged := ident
	merged.Status = StatusMerged
	merged.MergedInto = "canonical-id"
	if err := store.UpdateIdentity(ctx, merged); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := svc.Lookup(ctx, ident.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != StatusMerged || got.MergedInto != "canonical-id" {
		t.Fatalf("merged lookup lost redirect: %+v", got)
	}
}
