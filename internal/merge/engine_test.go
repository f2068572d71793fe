package merge

import (
	"context"
	"errors"
	"testing"
	"time"

	"canonid.io/internal/audit"
	"canonid.io/internal/identity"
)

func testEngine(t *testing.T) (*Engine, *identity.InMemory, *audit.Sealer) {
	t.Helper()
	sealer, err := audit.NewSealer(audit.StaticKey("merge-test-key"))
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	store := identity.NewInMemory()
	engine := NewEngine(store, sealer, WithClock(func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}))
	return engine, store, sealer
}

func seedIdentity(t *testing.T, store identity.Store, id, email, department string) identity.Identity {
	t.Helper()
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	ident := identity.Identity{
		ID:        id,
		Email:     email,
		FullName:  "Test User " + id,
		Status:    identity.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		LastSeen:  now,
	}
	ident.Department = department
	if err := store.CreateIdentity(context.Background(), ident); err != nil {
		t.Fatalf("seed identity %s: %v", id, err)
	}
	return ident
}

func seedDevice(t *testing.T, store identity.Store, id, owner string, compliant bool) {
	t.Helper()
	err := store.CreateDevice(context.Background(), identity.Device{
		ID: id, Name: "dev-" + id, Status: identity.DeviceConnected, Compliant: compliant, OwnerID: owner,
	})
	if err != nil {
		t.Fatalf("seed device %s: %v", id, err)
	}
}

// Duplicate hire records: source owns two devices and has a department the
// target lacks. One resolution choice later the target owns three devices,
// carries the chosen department, and the source is terminally Merged.
func TestMergeDuplicateEmployeeScenario(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := testEngine(t)

	seedIdentity(t, store, "src", "j.smith@corp.example", "Sales")
	target := seedIdentity(t, store, "tgt", "john.smith@corp.example", "")
	seedDevice(t, store, "d-1", "src", true)
	seedDevice(t, store, "d-2", "src", true)
	seedDevice(t, store, "d-3", "tgt", true)

	plan, err := engine.Preview(ctx, "src", "tgt")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(plan.Conflicts) != 0 {
		// Department empty on target is an inherit, not a conflict.
		t.Fatalf("expected no conflicts, got %+v", plan.Conflicts)
	}
	if len(plan.Reparent) != 2 {
		t.Fatalf("expected 2 children to move, got %+v", plan.Reparent)
	}

	result, err := engine.Execute(ctx, plan, Resolutions{"department": "Sales"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.MovedChildren != 2 {
		t.Fatalf("expected 2 moved children, got %d", result.MovedChildren)
	}
	if result.Target.Department != "Sales" {
		t.Fatalf("department resolution not applied: %+v", result.Target)
	}
	if result.AuditRecordID == "" {
		t.Fatalf("merge did not report its audit record")
	}

	children, err := store.Children(ctx, target.ID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children.Devices) != 3 {
		t.Fatalf("target should own 3 devices, owns %d", len(children.Devices))
	}

	source, err := store.GetIdentity(ctx, "src")
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if source.Status != identity.StatusMerged || source.MergedInto != "tgt" {
		t.Fatalf("source not retired correctly: %+v", source)
	}

	records, err := store.ListRecords(ctx, identity.SubjectIdentity, "tgt")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 1 || records[0].Action != audit.ActionMerged || !records[0].Sealed {
		t.Fatalf("expected one sealed Merged record, got %+v", records)
	}
	if records[0].Before["source"] == nil || records[0].Before["target"] == nil {
		t.Fatalf("merge record missing before snapshots: %+v", records[0].Before)
	}
}

func TestPreviewIsSideEffectFree(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := testEngine(t)

	seedIdentity(t, store, "src", "a@example.com", "Sales")
	seedIdentity(t, store, "tgt", "b@example.com", "Marketing")
	seedDevice(t, store, "d-1", "src", true)

	for i := 0; i < 3; i++ {
		if _, err := engine.Preview(ctx, "src", "tgt"); err != nil {
			t.Fatalf("preview %d: %v", i, err)
		}
	}

	source, err := store.GetIdentity(ctx, "src")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if source.Status != identity.StatusActive {
		t.Fatalf("preview mutated source: %+v", source)
	}
	dev, err := store.GetDevice(ctx, "d-1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if dev.OwnerID != "src" {
		t.Fatalf("preview moved a device: %+v", dev)
	}
	subjects, err := store.ListSubjects(ctx)
	if err != nil {
		t.Fatalf("subjects: %v", err)
	}
	if len(subjects) != 0 {
		t.Fatalf("preview sealed audit records: %+v", subjects)
	}
}

func TestPreviewReportsConflictsAndWarnings(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := testEngine(t)

	src := seedIdentity(t, store, "src", "a@example.com", "Sales")
	src.Role = "AE"
	if err := store.UpdateIdentity(ctx, src); err != nil {
		t.Fatalf("update: %v", err)
	}
	tgt := seedIdentity(t, store, "tgt", "b@example.com", "Marketing")
	tgt.Role = "PMM"
	if err := store.UpdateIdentity(ctx, tgt); err != nil {
		t.Fatalf("update: %v", err)
	}
	seedDevice(t, store, "d-1", "src", false)
	if err := store.CreateGrant(ctx, identity.AccessGrant{
		ID: "g-1", UserID: "src", Resource: "prod-db", AccessLevel: "write",
		GrantedBy: "secops", GrantedAt: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		Status: identity.GrantActive,
	}); err != nil {
		t.Fatalf("seed grant: %v", err)
	}

	plan, err := engine.Preview(ctx, "src", "tgt")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(plan.Conflicts) != 2 {
		t.Fatalf("expected department+role conflicts, got %+v", plan.Conflicts)
	}
	if plan.Conflicts[0].Field != "department" || plan.Conflicts[1].Field != "role" {
		t.Fatalf("conflicts not sorted by field: %+v", plan.Conflicts)
	}
	if len(plan.Warnings) != 2 {
		t.Fatalf("expected grant + non-compliant device warnings, got %+v", plan.Warnings)
	}
}

func TestExecuteRequiresResolutionForEveryConflict(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := testEngine(t)

	seedIdentity(t, store, "src", "a@example.com", "Sales")
	seedIdentity(t, store, "tgt", "b@example.com", "Marketing")

	plan, err := engine.Preview(ctx, "src", "tgt")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(plan.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %+v", plan.Conflicts)
	}

	_, err = engine.Execute(ctx, plan, nil)
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("ConflictError should unwrap to ErrConflict")
	}
	if len(conflictErr.Fields) != 1 || conflictErr.Fields[0] != "department" {
		t.Fatalf("unexpected unresolved fields: %+v", conflictErr.Fields)
	}

	// Nothing moved.
	source, err := store.GetIdentity(ctx, "src")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if source.Status != identity.StatusActive {
		t.Fatalf("rejected execute mutated source: %+v", source)
	}
}

func TestExecuteRejectsUnknownResolutionField(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := testEngine(t)

	seedIdentity(t, store, "src", "a@example.com", "")
	seedIdentity(t, store, "tgt", "b@example.com", "")

	plan, err := engine.Preview(ctx, "src", "tgt")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if _, err := engine.Execute(ctx, plan, Resolutions{"email": "x@example.com"}); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan for unknown field, got %v", err)
	}
}

func TestExecuteIsNotRepeatable(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := testEngine(t)

	seedIdentity(t, store, "src", "a@example.com", "")
	seedIdentity(t, store, "tgt", "b@example.com", "")

	plan, err := engine.Preview(ctx, "src", "tgt")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if _, err := engine.Execute(ctx, plan, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := engine.Execute(ctx, plan, nil); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("re-running a merge should fail with ErrNotFound, got %v", err)
	}

	// Merging anything into a retired record is refused too.
	seedIdentity(t, store, "other", "c@example.com", "")
	if _, err := engine.Preview(ctx, "other", "src"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("merging into a Merged record should fail, got %v", err)
	}
}

func TestExecuteValidatesPlanShape(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := testEngine(t)

	if _, err := engine.Execute(ctx, Plan{SourceID: "", TargetID: "x"}, nil); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan for missing source, got %v", err)
	}
	if _, err := engine.Execute(ctx, Plan{SourceID: "x", TargetID: "x"}, nil); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan for self-merge, got %v", err)
	}
}

// failingStore wraps the transaction store and fails the target update after
// children were already re-parented, to prove mid-flight failures roll back.
type failingStore struct {
	identity.Store
	failOnUpdate string
}

func (f *failingStore) UpdateIdentity(ctx context.Context, ident identity.Identity) error {
	if ident.ID == f.failOnUpdate {
		return errors.New("storage failure injected")
	}
	return f.Store.UpdateIdentity(ctx, ident)
}

func (f *failingStore) InTx(ctx context.Context, fn func(identity.Store) error) error {
	return f.Store.InTx(ctx, func(tx identity.Store) error {
		return fn(&failingStore{Store: tx, failOnUpdate: f.failOnUpdate})
	})
}

func TestExecuteAtomicOnMidFlightFailure(t *testing.T) {
	ctx := context.Background()
	sealer, err := audit.NewSealer(audit.StaticKey("merge-test-key"))
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	store := identity.NewInMemory()
	engine := NewEngine(&failingStore{Store: store, failOnUpdate: "tgt"}, sealer)

	seedIdentity(t, store, "src", "a@example.com", "")
	seedIdentity(t, store, "tgt", "b@example.com", "")
	seedDevice(t, store, "d-1", "src", true)

	plan, err := engine.Preview(ctx, "src", "tgt")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if _, err := engine.Execute(ctx, plan, nil); err == nil {
		t.Fatalf("expected injected failure")
	}

	// The device re-parent that happened before the failure must be gone.
	dev, err := store.GetDevice(ctx, "d-1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if dev.OwnerID != "src" {
		t.Fatalf("partial merge persisted: device owner %q", dev.OwnerID)
	}
	source, err := store.GetIdentity(ctx, "src")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if source.Status != identity.StatusActive {
		t.Fatalf("partial merge persisted: source %+v", source)
	}
	subjects, err := store.ListSubjects(ctx)
	if err != nil {
		t.Fatalf("subjects: %v", err)
	}
	if len(subjects) != 0 {
		t.Fatalf("partial merge sealed audit records: %+v", subjects)
	}
}

func TestExecuteAutoInheritsEmptyTargetFields(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := testEngine(t)

	src := seedIdentity(t, store, "src", "a@example.com", "Sales")
	src.Location = "Berlin"
	if err := store.UpdateIdentity(ctx, src); err != nil {
		t.Fatalf("update: %v", err)
	}
	seedIdentity(t, store, "tgt", "b@example.com", "")

	plan, err := engine.Preview(ctx, "src", "tgt")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	result, err := engine.Execute(ctx, plan, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Target.Department != "Sales" || result.Target.Location != "Berlin" {
		t.Fatalf("empty target fields should inherit source values: %+v", result.Target)
	}
}
