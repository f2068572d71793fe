package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ChainStore persists sealed records and tracks the tail hash per subject
// scope. AppendRecord carries a compare-and-swap contract: a record whose
// previous_hash no longer matches the current scope tail is rejected with
// ErrChainConflict, so two concurrent seals can never fork a chain.
type ChainStore interface {
	LastSealedHash(ctx context.Context, subjectType, subjectID string) (string, error)
	AppendRecord(ctx context.Context, rec Record) error
	ListRecords(ctx context.Context, subjectType, subjectID string) ([]Record, error)
	ListSubjects(ctx context.Context) ([]Subject, error)
}

// Ledger binds a Sealer to a ChainStore: the read-tail, seal, append sequence
// for one subject scope. The store supplies the ambient transaction; callers
// that need the seal to join a wider transaction construct a Ledger over the
// transaction-scoped store.
type Ledger struct {
	sealer *Sealer
	chain  ChainStore
}

// NewLedger constructs a Ledger.
func NewLedger(sealer *Sealer, chain ChainStore) *Ledger {
	return &Ledger{sealer: sealer, chain: chain}
}

// SealEvent seals the draft against the current tail of its subject scope and
// appends it. No retries: a CAS rejection surfaces as ErrChainConflict and the
// caller decides whether to re-read and try again.
func (l *Ledger) SealEvent(ctx context.Context, draft Record) (Record, error) {
	prev, err := l.chain.LastSealedHash(ctx, draft.SubjectType, draft.SubjectID)
	if err != nil {
		return Record{}, err
	}
	sealed, err := l.sealer.Seal(draft, prev)
	if err != nil {
		return Record{}, err
	}
	if err := l.chain.AppendRecord(ctx, sealed); err != nil {
		return Record{}, err
	}
	return sealed, nil
}

// VerifySubject checks one subject's full chain in stored order.
func (l *Ledger) VerifySubject(ctx context.Context, subjectType, subjectID string, failFast bool) (ChainVerificationResult, error) {
	records, err := l.chain.ListRecords(ctx, subjectType, subjectID)
	if err != nil {
		return ChainVerificationResult{}, err
	}
	return l.sealer.VerifyChain(records, failFast), nil
}

// SubjectChainReport pairs a subject with its chain verification outcome.
type SubjectChainReport struct {
	Subject Subject                 `json:"subject"`
	Result  ChainVerificationResult `json:"result"`
}

// VerifyAll checks every known subject chain and returns per-subject reports.
func (l *Ledger) VerifyAll(ctx context.Context, failFast bool) ([]SubjectChainReport, error) {
	subjects, err := l.chain.ListSubjects(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]SubjectChainReport, 0, len(subjects))
	for _, sub := range subjects {
		res, err := l.VerifySubject(ctx, sub.Type, sub.ID, failFast)
		if err != nil {
			return nil, err
		}
		reports = append(reports, SubjectChainReport{Subject: sub, Result: res})
	}
	return reports, nil
}

// MemoryChain is an in-process ChainStore. Appends to different scopes never
// block each other; appends within one scope serialize on the store mutex.
type MemoryChain struct {
	mu     sync.RWMutex
	chains map[Subject][]Record
}

var _ ChainStore = (*MemoryChain)(nil)

// NewMemoryChain creates an empty chain store.
func NewMemoryChain() *MemoryChain {
	return &MemoryChain{chains: make(map[Subject][]Record)}
}

func (m *MemoryChain) LastSealedHash(ctx context.Context, subjectType, subjectID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[Subject{Type: subjectType, ID: subjectID}]
	if len(chain) == 0 {
		return "", nil
	}
	return chain[len(chain)-1].RecordHash, nil
}

func (m *MemoryChain) AppendRecord(ctx context.Context, rec Record) error {
	if !rec.Sealed {
		return fmt.Errorf("%w: refusing to append unsealed record", ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	scope := Subject{Type: rec.SubjectType, ID: rec.SubjectID}
	chain := m.chains[scope]
	tail := ""
	if len(chain) > 0 {
		tail = chain[len(chain)-1].RecordHash
	}
	if rec.PreviousHash != tail {
		return fmt.Errorf("%w: previous hash %q does not match tail %q", ErrChainConflict, rec.PreviousHash, tail)
	}
	m.chains[scope] = append(chain, cloneRecord(rec))
	return nil
}

func (m *MemoryChain) ListRecords(ctx context.Context, subjectType, subjectID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[Subject{Type: subjectType, ID: subjectID}]
	out := make([]Record, 0, len(chain))
	for _, rec := range chain {
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

func (m *MemoryChain) ListSubjects(ctx context.Context) ([]Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subject, 0, len(m.chains))
	for sub := range m.chains {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Clone returns a deep copy of the chain store. Used by transactional
// wrappers that commit by swapping state.
func (m *MemoryChain) Clone() *MemoryChain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clone := NewMemoryChain()
	for scope, chain := range m.chains {
		copied := make([]Record, 0, len(chain))
		for _, rec := range chain {
			copied = append(copied, cloneRecord(rec))
		}
		clone.chains[scope] = copied
	}
	return clone
}

// Restore replaces the chain state with another store's state.
func (m *MemoryChain) Restore(other *MemoryChain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains = other.chains
}

func cloneRecord(rec Record) Record {
	out := rec
	out.Before = cloneSnapshot(rec.Before)
	out.After = cloneSnapshot(rec.After)
	return out
}

func cloneSnapshot(snap map[string]any) map[string]any {
	if snap == nil {
		return nil
	}
	out := make(map[string]any, len(snap))
	for k, v := range snap {
		out[k] = v
	}
	return out
}
