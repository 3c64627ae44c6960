package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/squad/internal/log"
	"github.com/zjrosen/squad/internal/persist"
)

// DelegationStatus tracks the lifecycle of a recorded delegation.
type DelegationStatus string

const (
	DelegationInitiated  DelegationStatus = "initiated"
	DelegationInProgress DelegationStatus = "in_progress"
	DelegationCompleted  DelegationStatus = "completed"
	DelegationCancelled  DelegationStatus = "cancelled"
	DelegationFailed     DelegationStatus = "failed"
)

// ErrDelegationNotFound is returned for unknown delegation ids.
var ErrDelegationNotFound = errors.New("delegation not found")

// Delegation is one ledger entry recording that from_agent delegated a work
// item to to_agent, usually backed by a handoff.
type Delegation struct {
	ID          string           `json:"id"`
	HandoffID   string           `json:"handoff_id,omitempty"`
	WorkItemID  string           `json:"work_item_id"`
	FromAgent   string           `json:"from_agent"`
	ToAgent     string           `json:"to_agent"`
	Status      DelegationStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// delegationDoc is the on-disk shape of delegations/delegations.json.
type delegationDoc struct {
	Version     int                    `json:"version"`
	Delegations map[string]*Delegation `json:"delegations"`
}

const delegationDocVersion = 1

// DelegationLedger persists delegations as a single JSON document with the
// same lock/txn discipline as the other workspace stores.
type DelegationLedger struct {
	path string
	lock *persist.FileLock

	mu sync.Mutex
}

// NewDelegationLedger opens the ledger under dir, migrating legacy bare-map
// snapshots on first open.
func NewDelegationLedger(dir string) (*DelegationLedger, error) {
	path := filepath.Join(dir, "delegations.json")
	l := &DelegationLedger{
		path: path,
		lock: persist.NewFileLock(path),
	}
	err := persist.MigrateLegacy(path, dir, func(raw []byte) ([]byte, error) {
		var doc delegationDoc
		if err := json.Unmarshal(raw, &doc); err == nil && doc.Version > 0 {
			return nil, nil
		}
		var legacy map[string]*Delegation
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, nil
		}
		doc = delegationDoc{Version: delegationDocVersion, Delegations: legacy}
		return json.MarshalIndent(doc, "", "  ")
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *DelegationLedger) load() *delegationDoc {
	doc := &delegationDoc{Version: delegationDocVersion, Delegations: make(map[string]*Delegation)}
	if err := persist.LoadJSON(l.path, doc); err != nil && !errors.Is(err, persist.ErrCorrupt) {
		log.ErrorErr(log.CatHandoff, "failed to load delegations", err, "path", l.path)
	}
	if doc.Delegations == nil {
		doc.Delegations = make(map[string]*Delegation)
	}
	return doc
}

func (l *DelegationLedger) mutate(ctx context.Context, fn func(doc *delegationDoc, markDirty func()) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var doc *delegationDoc
	return l.lock.Txn(ctx,
		func() error {
			doc = l.load()
			return nil
		},
		func(markDirty func()) error {
			return fn(doc, markDirty)
		},
		func() error {
			return persist.WriteJSON(l.path, doc)
		},
	)
}

// Record creates a delegation entry and returns it.
func (l *DelegationLedger) Record(ctx context.Context, handoffID, workItemID, from, to string) (*Delegation, error) {
	now := time.Now().UTC()
	d := &Delegation{
		ID:         uuid.New().String(),
		HandoffID:  handoffID,
		WorkItemID: workItemID,
		FromAgent:  from,
		ToAgent:    to,
		Status:     DelegationInitiated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := l.mutate(ctx, func(doc *delegationDoc, markDirty func()) error {
		doc.Delegations[d.ID] = d
		markDirty()
		return nil
	})
	if err != nil {
		return nil, err
	}
	copied := *d
	return &copied, nil
}

// UpdateStatus moves a delegation to status, stamping completed_at for
// terminal outcomes.
func (l *DelegationLedger) UpdateStatus(ctx context.Context, id string, status DelegationStatus) (*Delegation, error) {
	var result *Delegation
	err := l.mutate(ctx, func(doc *delegationDoc, markDirty func()) error {
		d, ok := doc.Delegations[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrDelegationNotFound, id)
		}
		now := time.Now().UTC()
		d.Status = status
		d.UpdatedAt = now
		switch status {
		case DelegationCompleted, DelegationCancelled, DelegationFailed:
			d.CompletedAt = &now
		}
		copied := *d
		result = &copied
		markDirty()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get returns the delegation by id.
func (l *DelegationLedger) Get(ctx context.Context, id string) (*Delegation, error) {
	var result *Delegation
	err := l.mutate(ctx, func(doc *delegationDoc, markDirty func()) error {
		d, ok := doc.Delegations[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrDelegationNotFound, id)
		}
		copied := *d
		result = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Active returns the non-terminal delegations where agent is either side,
// oldest first.
func (l *DelegationLedger) Active(ctx context.Context, agent string) ([]*Delegation, error) {
	var result []*Delegation
	err := l.mutate(ctx, func(doc *delegationDoc, markDirty func()) error {
		for _, d := range doc.Delegations {
			if d.Status == DelegationCompleted || d.Status == DelegationCancelled || d.Status == DelegationFailed {
				continue
			}
			if agent != "" && d.FromAgent != agent && d.ToAgent != agent {
				continue
			}
			copied := *d
			result = append(result, &copied)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}
