// Package audit rebuilds ledger state from the audit log and compares it with
// the primary store.
package audit

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/richardliu001/payout-ledger/internal/model"
)

// State is the ledger as reconstructed from audit entries alone.
type State struct {
	Transactions map[uint64]model.TransactionState
	Payouts      map[uint64]model.PayoutState
}

func newState() *State {
	return &State{
		Transactions: map[uint64]model.TransactionState{},
		Payouts:      map[uint64]model.PayoutState{},
	}
}

// Inconsistency is one place where the log and the store disagree.
type Inconsistency struct {
	SubjectType model.SubjectType `json:"subject_type"`
	SubjectID   uint64            `json:"subject_id"`
	EntryID     uint64            `json:"entry_id,omitempty"`
	Reason      string            `json:"reason"`
}

// Sort orders entries by timestamp, then id.
func Sort(entries []model.AuditEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Replay folds entries into a State. Each entry's before snapshot must match the
// after snapshot of the previous entry for the same subject; breaks in that chain
// are reported, not fatal. Only undecodable snapshots return an error.
func Replay(entries []model.AuditEntry) (*State, []Inconsistency, error) {
	sorted := make([]model.AuditEntry, len(entries))
	copy(sorted, entries)
	Sort(sorted)

	st := newState()
	var issues []Inconsistency
	for _, e := range sorted {
		var err error
		switch e.SubjectType {
		case model.SubjectTransaction:
			issues, err = applyTransaction(st, e, issues)
		case model.SubjectPayout:
			issues, err = applyPayout(st, e, issues)
		default:
			err = fmt.Errorf("entry %d: unknown subject type %q", e.ID, e.SubjectType)
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return st, issues, nil
}

func applyTransaction(st *State, e model.AuditEntry, issues []Inconsistency) ([]Inconsistency, error) {
	var after model.TransactionState
	if err := json.Unmarshal(e.After, &after); err != nil {
		return issues, fmt.Errorf("entry %d: decode after: %w", e.ID, err)
	}
	prev, seen := st.Transactions[e.SubjectID]
	if len(e.Before) > 0 && string(e.Before) != "null" {
		var before model.TransactionState
		if err := json.Unmarshal(e.Before, &before); err != nil {
			return issues, fmt.Errorf("entry %d: decode before: %w", e.ID, err)
		}
		if !seen {
			issues = append(issues, chainBreak(e, "before snapshot without earlier entry"))
		} else if !before.Equal(prev) {
			issues = append(issues, chainBreak(e, "before snapshot differs from previous after"))
		}
	} else if seen {
		issues = append(issues, chainBreak(e, "creation entry for a subject that already exists"))
	}
	st.Transactions[e.SubjectID] = after
	return issues, nil
}

func applyPayout(st *State, e model.AuditEntry, issues []Inconsistency) ([]Inconsistency, error) {
	var after model.PayoutState
	if err := json.Unmarshal(e.After, &after); err != nil {
		return issues, fmt.Errorf("entry %d: decode after: %w", e.ID, err)
	}
	prev, seen := st.Payouts[e.SubjectID]
	if len(e.Before) > 0 && string(e.Before) != "null" {
		var before model.PayoutState
		if err := json.Unmarshal(e.Before, &before); err != nil {
			return issues, fmt.Errorf("entry %d: decode before: %w", e.ID, err)
		}
		if !seen {
			issues = append(issues, chainBreak(e, "before snapshot without earlier entry"))
		} else if !before.Equal(prev) {
			issues = append(issues, chainBreak(e, "before snapshot differs from previous after"))
		}
	} else if seen {
		issues = append(issues, chainBreak(e, "creation entry for a subject that already exists"))
	}
	st.Payouts[e.SubjectID] = after
	return issues, nil
}

func chainBreak(e model.AuditEntry, reason string) Inconsistency {
	return Inconsistency{SubjectType: e.SubjectType, SubjectID: e.SubjectID, EntryID: e.ID, Reason: reason}
}

// Diff compares a replayed state with rows read from the primary store.
func Diff(st *State, txs []model.Transaction, payouts []model.Payout) []Inconsistency {
	var issues []Inconsistency

	stored := make(map[uint64]bool, len(txs))
	for i := range txs {
		t := &txs[i]
		stored[t.ID] = true
		got, ok := st.Transactions[t.ID]
		switch {
		case !ok:
			issues = append(issues, Inconsistency{SubjectType: model.SubjectTransaction, SubjectID: t.ID, Reason: "no audit history"})
		case !got.Equal(t.Snapshot()):
			issues = append(issues, Inconsistency{SubjectType: model.SubjectTransaction, SubjectID: t.ID, Reason: "replayed state differs from store"})
		}
	}
	for id := range st.Transactions {
		if !stored[id] {
			issues = append(issues, Inconsistency{SubjectType: model.SubjectTransaction, SubjectID: id, Reason: "audited transaction missing from store"})
		}
	}

	storedPayouts := make(map[uint64]bool, len(payouts))
	for i := range payouts {
		p := &payouts[i]
		storedPayouts[p.ID] = true
		got, ok := st.Payouts[p.ID]
		switch {
		case !ok:
			issues = append(issues, Inconsistency{SubjectType: model.SubjectPayout, SubjectID: p.ID, Reason: "no audit history"})
		case !got.Equal(p.Snapshot()):
			issues = append(issues, Inconsistency{SubjectType: model.SubjectPayout, SubjectID: p.ID, Reason: "replayed state differs from store"})
		}
	}
	for id := range st.Payouts {
		if !storedPayouts[id] {
			issues = append(issues, Inconsistency{SubjectType: model.SubjectPayout, SubjectID: id, Reason: "audited payout missing from store"})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].SubjectType != issues[j].SubjectType {
			return issues[i].SubjectType < issues[j].SubjectType
		}
		return issues[i].SubjectID < issues[j].SubjectID
	})
	return issues
}

// Entry builds an audit entry from before/after snapshots. A nil before marks creation.
func Entry(tenantID string, subject model.SubjectType, id uint64, change string, before, after interface{}, actor, reason string) (*model.AuditEntry, error) {
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return nil, err
	}
	e := &model.AuditEntry{
		TenantID: tenantID, SubjectType: subject, SubjectID: id, ChangeType: change,
		After: afterJSON, Actor: actor, Reason: reason,
	}
	if before != nil {
		if e.Before, err = json.Marshal(before); err != nil {
			return nil, err
		}
	}
	return e, nil
}
