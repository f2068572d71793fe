package audit

import (
	"errors"
	"testing"
	"time"
)

func testSealer(t *testing.T, key string) *Sealer {
	t.Helper()
	sealer, err := NewSealer(StaticKey(key), WithClock(func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	return sealer
}

func draftRecord(id string) Record {
	return Record{
		ID:          id,
		SubjectType: "identity",
		SubjectID:   "u-100",
		Action:      ActionModified,
		Actor:       "alice",
		OccurredAt:  time.Date(2025, 5, 30, 9, 15, 0, 0, time.UTC),
		Before:      map[string]any{"department": "Sales"},
		After:       map[string]any{"department": "Marketing"},
	}
}

func TestNewSealerRequiresKey(t *testing.T) {
	if _, err := NewSealer(StaticKey(nil)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty key, got %v", err)
	}
}

func TestComputeRecordHashDeterministic(t *testing.T) {
	rec := draftRecord("r1")
	first, err := ComputeRecordHash(rec)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	second, err := ComputeRecordHash(rec)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if first != second {
		t.Fatalf("hash is not deterministic: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(first))
	}

	// The same fields written in a different map construction order must hash
	// identically.
	rec2 := draftRecord("r2")
	rec2.After = map[string]any{}
	rec2.After["department"] = "Marketing"
	other, err := ComputeRecordHash(rec2)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if other != first {
		t.Fatalf("field order changed the hash: %s vs %s", other, first)
	}
}

func TestComputeRecordHashExcludesSealFields(t *testing.T) {
	rec := draftRecord("r1")
	base, err := ComputeRecordHash(rec)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	rec.RecordHash = "bogus"
	rec.Signature = "bogus"
	rec.Sealed = true
	rec.SealedAt = time.Now()
	again, err := ComputeRecordHash(rec)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if base != again {
		t.Fatalf("seal fields leaked into the hash")
	}
}

func TestSealAndVerify(t *testing.T) {
	sealer := testSealer(t, "k1")
	sealed, err := sealer.Seal(draftRecord("r1"), "")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !sealed.Sealed || sealed.RecordHash == "" || sealed.Signature == "" {
		t.Fatalf("record not fully sealed: %+v", sealed)
	}
	if sealed.SealedAt.IsZero() {
		t.Fatalf("sealed_at not set")
	}
	if res := sealer.Verify(sealed); !res.Valid {
		t.Fatalf("fresh seal failed verification: %+v", res)
	}
}

func TestSealRejectsAlreadySealed(t *testing.T) {
	sealer := testSealer(t, "k1")
	sealed, err := sealer.Seal(draftRecord("r1"), "")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := sealer.Seal(sealed, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for double seal, got %v", err)
	}
}

func TestSealRejectsMalformedPreviousHash(t *testing.T) {
	sealer := testSealer(t, "k1")
	for _, prev := range []string{"zz", "1234", "not-a-hash"} {
		if _, err := sealer.Seal(draftRecord("r1"), prev); !errors.Is(err, ErrIntegrity) {
			t.Fatalf("prev %q: expected ErrIntegrity, got %v", prev, err)
		}
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	sealer := testSealer(t, "k1")
	sealed, err := sealer.Seal(draftRecord("r1"), "")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	tampered := sealed
	tampered.After = map[string]any{"department": "Engineering"}
	if res := sealer.Verify(tampered); res.Valid || res.Reason != ReasonHashMismatch {
		t.Fatalf("expected HashMismatch, got %+v", res)
	}

	unsealed := sealed
	unsealed.Sealed = false
	if res := sealer.Verify(unsealed); res.Valid || res.Reason != ReasonNotSealed {
		t.Fatalf("expected NotSealed, got %+v", res)
	}
}

func TestVerifyDetectsWrongKey(t *testing.T) {
	sealed, err := testSealer(t, "k1").Seal(draftRecord("r1"), "")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if res := testSealer(t, "k2").Verify(sealed); res.Valid || res.Reason != ReasonSignatureMismatch {
		t.Fatalf("expected SignatureMismatch under a different key, got %+v", res)
	}
}

func sealChain(t *testing.T, sealer *Sealer, n int) []Record {
	t.Helper()
	records := make([]Record, 0, n)
	prev := ""
	for i := 0; i < n; i++ {
		draft := draftRecord("r")
		draft.OccurredAt = draft.OccurredAt.Add(time.Duration(i) * time.Minute)
		sealed, err := sealer.Seal(draft, prev)
		if err != nil {
			t.Fatalf("seal %d: %v", i, err)
		}
		prev = sealed.RecordHash
		records = append(records, sealed)
	}
	return records
}

func TestVerifyChainValid(t *testing.T) {
	sealer := testSealer(t, "k1")
	records := sealChain(t, sealer, 4)
	res := sealer.VerifyChain(records, false)
	if !res.Valid || res.Checked != 4 || len(res.Breaks) != 0 {
		t.Fatalf("expected clean chain, got %+v", res)
	}
	if res := sealer.VerifyChain(nil, false); !res.Valid || res.Checked != 0 {
		t.Fatalf("empty chain should be valid, got %+v", res)
	}
}

func TestVerifyChainDetectsReorder(t *testing.T) {
	sealer := testSealer(t, "k1")
	records := sealChain(t, sealer, 4)
	records[1], records[2] = records[2], records[1]
	res := sealer.VerifyChain(records, false)
	if res.Valid {
		t.Fatalf("reordered chain verified clean")
	}
	for _, br := range res.Breaks {
		if br.Reason != ReasonBrokenLink {
			t.Fatalf("expected BrokenLink, got %+v", br)
		}
	}
}

func TestVerifyChainFailFastStopsAtFirstBreak(t *testing.T) {
	sealer := testSealer(t, "k1")
	records := sealChain(t, sealer, 5)
	records[1].After = map[string]any{"department": "Legal"}
	records[3].After = map[string]any{"department": "Finance"}

	fast := sealer.VerifyChain(records, true)
	if fast.Valid || len(fast.Breaks) != 1 || fast.Breaks[0].Index != 1 {
		t.Fatalf("fail-fast should stop at index 1, got %+v", fast)
	}

	full := sealer.VerifyChain(records, false)
	if full.Valid || len(full.Breaks) != 2 {
		t.Fatalf("full scan should report both breaks, got %+v", full)
	}
}

func TestSealValidation(t *testing.T) {
	sealer := testSealer(t, "k1")
	cases := []struct {
		name   string
		mutate func(*Record)
	}{
		{"missing subject type", func(r *Record) { r.SubjectType = " " }},
		{"missing subject id", func(r *Record) { r.SubjectID = "" }},
		{"missing action", func(r *Record) { r.Action = "" }},
		{"zero occurred_at", func(r *Record) { r.OccurredAt = time.Time{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			draft := draftRecord("r1")
			tc.mutate(&draft)
			if _, err := sealer.Seal(draft, ""); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestVerifySurvivesTimestampStorageRoundTrip(t *testing.T) {
	sealer := testSealer(t, "k1")

	draft := draftRecord("r1")
	draft.OccurredAt = time.Date(2025, 5, 30, 9, 15, 0, 123456789, time.UTC)
	sealed, err := sealer.Seal(draft, "")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// A timestamptz column keeps microseconds; the nanosecond tail is gone
	// after read-back. The hash must not depend on it.
	stored := sealed
	stored.OccurredAt = stored.OccurredAt.Truncate(time.Microsecond)
	stored.SealedAt = stored.SealedAt.Truncate(time.Microsecond)

	verdict := sealer.Verify(stored)
	if !verdict.Valid {
		t.Fatalf("stored record failed verification: %+v", verdict)
	}

	rehash, err := ComputeRecordHash(stored)
	if err != nil {
		t.Fatalf("rehash: %v", err)
	}
	if rehash != sealed.RecordHash {
		t.Fatalf("hash changed across storage round-trip: %s vs %s", rehash, sealed.RecordHash)
	}
}
