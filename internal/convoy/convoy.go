// Package convoy runs batches of work items in parallel against an external
// worker, with concurrency adapted to host load, a hard whole-convoy timeout,
// optional fail-fast, and a persistent after-operation report.
package convoy

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
	"github.com/zjrosen/squad/internal/worker"
	"github.com/zjrosen/squad/internal/workstate"
	"github.com/zjrosen/squad/internal/workstate/store"
)

// Status is the convoy lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// MemberStatus is the lifecycle of one convoy member.
type MemberStatus string

const (
	MemberPending   MemberStatus = "pending"
	MemberRunning   MemberStatus = "running"
	MemberCompleted MemberStatus = "completed"
	MemberFailed    MemberStatus = "failed"
	MemberSkipped   MemberStatus = "skipped"
)

// Member binds a worker role to one work item within a convoy.
type Member struct {
	AgentRole  string         `json:"agent_role"`
	WorkItemID string         `json:"work_item_id"`
	Status     MemberStatus   `json:"status"`
	Error      string         `json:"error,omitempty"`
	Result     *worker.Result `json:"result,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// MemberSpec names a member at creation time.
type MemberSpec struct {
	AgentRole  string
	WorkItemID string
}

// Options tune one convoy's execution.
type Options struct {
	MaxParallel        int           `json:"max_parallel"`
	Timeout            time.Duration `json:"timeout"`
	StopOnFirstFailure bool          `json:"stop_on_first_failure"`
	EnableAutoTuning   bool          `json:"enable_auto_tuning"`
	BaselineParallel   int           `json:"baseline_parallel"`
	CPUThreshold       float64       `json:"cpu_threshold"`
	MemoryThreshold    float64       `json:"memory_threshold"`
	IssueNumber        *int          `json:"issue_number,omitempty"`
	PlanExecutionID    string        `json:"plan_execution_id,omitempty"`
}

func (o *Options) withDefaults() {
	if o.MaxParallel < 1 {
		o.MaxParallel = 1
	}
	if o.BaselineParallel < 1 {
		o.BaselineParallel = 1
	}
	if o.BaselineParallel > o.MaxParallel {
		o.BaselineParallel = o.MaxParallel
	}
	if o.CPUThreshold <= 0 {
		o.CPUThreshold = 80
	}
	if o.MemoryThreshold <= 0 {
		o.MemoryThreshold = 85
	}
}

// Metrics records the resource envelope of one execution.
type Metrics struct {
	StartedAt          time.Time     `json:"started_at,omitempty"`
	FinishedAt         time.Time     `json:"finished_at,omitempty"`
	Duration           time.Duration `json:"duration,omitempty"`
	PeakCPU            float64       `json:"peak_cpu,omitempty"`
	PeakMemory         float64       `json:"peak_memory,omitempty"`
	InitialParallelism int           `json:"initial_parallelism,omitempty"`
	FinalParallelism   int           `json:"final_parallelism,omitempty"`
}

// Convoy is one parallel batch.
type Convoy struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Members []*Member `json:"members"`
	Options Options   `json:"options"`
	Status  Status    `json:"status"`
	Errors  []string  `json:"errors,omitempty"`
	Metrics Metrics   `json:"metrics"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy safe for callers to hold.
func (c *Convoy) Clone() *Convoy {
	cp := *c
	cp.Members = make([]*Member, len(c.Members))
	for i, m := range c.Members {
		mc := *m
		cp.Members[i] = &mc
	}
	cp.Errors = append([]string(nil), c.Errors...)
	return &cp
}

// ErrConvoyNotFound is returned for unknown convoy ids.
var ErrConvoyNotFound = errors.New("convoy not found")

// document is the on-disk shape of convoys/convoys.json.
type document struct {
	Version int                `json:"version"`
	Convoys map[string]*Convoy `json:"convoys"`
}

const documentVersion = 1

// Executor creates, runs, and cancels convoys.
type Executor struct {
	store      store.Store
	monitor    *ResourceMonitor
	reportsDir string

	path string
	lock *persist.FileLock
	mu   sync.Mutex
}

// NewExecutor opens the convoy store under dir (the workspace state root,
// typically .squad). Reports are written under dir/reports.
func NewExecutor(dir string, st store.Store, monitor *ResourceMonitor) (*Executor, error) {
	path := filepath.Join(dir, "convoys", "convoys.json")
	e := &Executor{
		store:      st,
		monitor:    monitor,
		reportsDir: filepath.Join(dir, "reports"),
		path:       path,
		lock:       persist.NewFileLock(path),
	}
	err := persist.MigrateLegacy(path, filepath.Dir(path), func(raw []byte) ([]byte, error) {
		var doc document
		if err := json.Unmarshal(raw, &doc); err == nil && doc.Version > 0 {
			return nil, nil
		}
		var legacy map[string]*Convoy
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, nil
		}
		doc = document{Version: documentVersion, Convoys: legacy}
		return json.MarshalIndent(doc, "", "  ")
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Executor) load() *document {
	doc := &document{Version: documentVersion, Convoys: make(map[string]*Convoy)}
	if err := persist.LoadJSON(e.path, doc); err != nil && !errors.Is(err, persist.ErrCorrupt) {
		log.ErrorErr(log.CatConvoy, "failed to load convoys", err, "path", e.path)
	}
	if doc.Convoys == nil {
		doc.Convoys = make(map[string]*Convoy)
	}
	return doc
}

func (e *Executor) mutate(ctx context.Context, fn func(doc *document, markDirty func()) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var doc *document
	return e.lock.Txn(ctx,
		func() error {
			doc = e.load()
			return nil
		},
		func(markDirty func()) error {
			return fn(doc, markDirty)
		},
		func() error {
			return persist.WriteJSON(e.path, doc)
		},
	)
}

// Create registers a convoy and stamps every member's work item with the
// convoy id.
func (e *Executor) Create(ctx context.Context, name string, members []MemberSpec, opts Options) (*Convoy, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("convoy needs at least one member")
	}
	opts.withDefaults()

	c := &Convoy{
		ID:        "convoy-" + uuid.New().String()[:8],
		Name:      name,
		Options:   opts,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	for _, spec := range members {
		if _, err := e.store.Get(ctx, spec.WorkItemID); err != nil {
			return nil, fmt.Errorf("convoy member %s: %w", spec.WorkItemID, err)
		}
		c.Members = append(c.Members, &Member{
			AgentRole:  spec.AgentRole,
			WorkItemID: spec.WorkItemID,
			Status:     MemberPending,
		})
	}

	for _, m := range c.Members {
		if err := e.store.SetConvoy(ctx, m.WorkItemID, c.ID); err != nil {
			return nil, fmt.Errorf("stamp member %s: %w", m.WorkItemID, err)
		}
	}

	if err := e.save(ctx, c); err != nil {
		return nil, err
	}
	log.Info(log.CatConvoy, "convoy created", "convoy", c.ID, "name", name, "members", len(c.Members))
	return c.Clone(), nil
}

// save persists the convoy record.
func (e *Executor) save(ctx context.Context, c *Convoy) error {
	c.UpdatedAt = time.Now().UTC()
	return e.mutate(ctx, func(doc *document, markDirty func()) error {
		doc.Convoys[c.ID] = c.Clone()
		markDirty()
		return nil
	})
}

// Get returns the convoy by id.
func (e *Executor) Get(ctx context.Context, id string) (*Convoy, error) {
	var result *Convoy
	err := e.mutate(ctx, func(doc *document, markDirty func()) error {
		c, ok := doc.Convoys[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrConvoyNotFound, id)
		}
		result = c.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// List returns every convoy, newest first.
func (e *Executor) List(ctx context.Context) ([]*Convoy, error) {
	var result []*Convoy
	err := e.mutate(ctx, func(doc *document, markDirty func()) error {
		for _, c := range doc.Convoys {
			result = append(result, c.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// Cancel flips the convoy to cancelled and returns pending members' work
// items to ready. In-flight members are left to finish.
func (e *Executor) Cancel(ctx context.Context, id string) (*Convoy, error) {
	var result *Convoy
	err := e.mutate(ctx, func(doc *document, markDirty func()) error {
		c, ok := doc.Convoys[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrConvoyNotFound, id)
		}
		if c.Status == StatusCompleted || c.Status == StatusCancelled {
			result = c.Clone()
			return nil
		}
		c.Status = StatusCancelled
		c.UpdatedAt = time.Now().UTC()
		result = c.Clone()
		markDirty()
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, m := range result.Members {
		if m.Status != MemberPending {
			continue
		}
		item, err := e.store.Get(ctx, m.WorkItemID)
		if err != nil {
			continue
		}
		if item.Status == workstate.StatusHooked {
			if _, err := e.store.TransitionStatus(ctx, m.WorkItemID, workstate.StatusReady, nil); err != nil {
				log.Warn(log.CatConvoy, "cannot return member to ready",
					"item", m.WorkItemID, "reason", err.Error())
			}
		}
	}

	log.Info(log.CatConvoy, "convoy cancelled", "convoy", id)
	return result, nil
}
