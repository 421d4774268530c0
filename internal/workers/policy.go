package workers

import (
	"sync"
	"sync/atomic"

	"crmsync/internal/engine/crm"
	"crmsync/internal/platform/config"
)

var defaultBudgets = config.BudgetConfig{Permanent: 2, BusinessLogic: 3, Transient: 5}

// Budgets holds how many retries each failure class gets after the first
// attempt. Values can change at runtime.
type Budgets struct {
	permanent     atomic.Int64
	businessLogic atomic.Int64
	transient     atomic.Int64
}

func NewBudgets(cfg config.BudgetConfig) *Budgets {
	b := &Budgets{}
	b.Set(cfg)
	return b
}

// Set applies cfg. Loaded configs always carry positive budgets; zero values
// only come from a BudgetConfig built in code and mean the default.
func (b *Budgets) Set(cfg config.BudgetConfig) {
	if cfg.Permanent <= 0 {
		cfg.Permanent = defaultBudgets.Permanent
	}
	if cfg.BusinessLogic <= 0 {
		cfg.BusinessLogic = defaultBudgets.BusinessLogic
	}
	if cfg.Transient <= 0 {
		cfg.Transient = defaultBudgets.Transient
	}
	b.permanent.Store(int64(cfg.Permanent))
	b.businessLogic.Store(int64(cfg.BusinessLogic))
	b.transient.Store(int64(cfg.Transient))
}

func (b *Budgets) For(class crm.Class) int {
	switch class {
	case crm.Permanent:
		return int(b.permanent.Load())
	case crm.BusinessLogic:
		return int(b.businessLogic.Load())
	default:
		return int(b.transient.Load())
	}
}

func (b *Budgets) Config() config.BudgetConfig {
	return config.BudgetConfig{
		Permanent:     int(b.permanent.Load()),
		BusinessLogic: int(b.businessLogic.Load()),
		Transient:     int(b.transient.Load()),
	}
}

// Stats counts what this worker process has done since start.
type Stats struct {
	processed    atomic.Int64
	succeeded    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	malformed    atomic.Int64

	mu      sync.Mutex
	byClass map[crm.Class]int64
}

func NewStats() *Stats {
	return &Stats{byClass: make(map[crm.Class]int64)}
}

func (s *Stats) failure(class crm.Class) {
	s.mu.Lock()
	s.byClass[class]++
	s.mu.Unlock()
}

type StatsSnapshot struct {
	Processed    int64            `json:"processed"`
	Succeeded    int64            `json:"succeeded"`
	Retried      int64            `json:"retried"`
	DeadLettered int64            `json:"dead_lettered"`
	Malformed    int64            `json:"malformed"`
	Failures     map[string]int64 `json:"failures_by_class"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Processed:    s.processed.Load(),
		Succeeded:    s.succeeded.Load(),
		Retried:      s.retried.Load(),
		DeadLettered: s.deadLettered.Load(),
		Malformed:    s.malformed.Load(),
		Failures:     make(map[string]int64),
	}
	s.mu.Lock()
	for class, n := range s.byClass {
		snap.Failures[string(class)] = n
	}
	s.mu.Unlock()
	return snap
}
