// Package funnel resolves the tracked CRM pipeline and maps its stages to
// order statuses in both directions.
package funnel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"crmsync/internal/engine/crm"
	"crmsync/internal/platform/config"
	"crmsync/internal/platform/models"
)

type API interface {
	ListCategories(ctx context.Context) ([]crm.Category, error)
	AddCategory(ctx context.Context, name string, stages []crm.StageSpec) (int64, error)
	ListStages(ctx context.Context, categoryID int64) ([]crm.Stage, error)
}

// DefaultStages are created with a new pipeline.
var DefaultStages = []crm.StageSpec{
	{Name: "New Order", Sort: 10, Semantics: "P"},
	{Name: "In Production", Sort: 20, Semantics: "P"},
	{Name: "Completed", Sort: 30, Semantics: "S"},
	{Name: "Cancelled", Sort: 40, Semantics: "F"},
}

// Vendor stage codes, without the "C<n>:" category prefix.
var codeStatus = map[string]string{
	"NEW":                models.StatusPending,
	"PREPARATION":        models.StatusProcessing,
	"PREPAYMENT_INVOICE": models.StatusProcessing,
	"EXECUTING":          models.StatusProcessing,
	"FINAL_INVOICE":      models.StatusProcessing,
	"WON":                models.StatusCompleted,
	"LOSE":               models.StatusCancelled,
	"APOLOGY":            models.StatusCancelled,
}

// Display names, compared case-insensitively.
var nameStatus = map[string]string{
	"новая":            models.StatusPending,
	"new":              models.StatusPending,
	"new order":        models.StatusPending,
	"в работе":         models.StatusProcessing,
	"in work":          models.StatusProcessing,
	"in production":    models.StatusProcessing,
	"in progress":      models.StatusProcessing,
	"сделка успешна":   models.StatusCompleted,
	"won":              models.StatusCompleted,
	"completed":        models.StatusCompleted,
	"сделка провалена": models.StatusCancelled,
	"lost":             models.StatusCancelled,
	"cancelled":        models.StatusCancelled,
	"canceled":         models.StatusCancelled,
}

// StageCode strips the category prefix from a stage id ("C5:WON" -> "WON").
func StageCode(stageID string) string {
	if strings.HasPrefix(stageID, "C") {
		if i := strings.IndexByte(stageID, ':'); i > 1 {
			return stageID[i+1:]
		}
	}
	return stageID
}

// Classify returns the order status a stage stands for, if any.
func Classify(s crm.Stage) (string, bool) {
	if status, ok := codeStatus[StageCode(s.StatusID)]; ok {
		return status, true
	}
	if status, ok := nameStatus[strings.ToLower(strings.TrimSpace(s.Name))]; ok {
		return status, true
	}
	return "", false
}

// BuildMapping maps every classifiable stage to a status and picks one
// preferred stage per status: lowest SORT, then the smallest stage id.
func BuildMapping(stages []crm.Stage) (statusByStage, stageByStatus map[string]string) {
	statusByStage = make(map[string]string)
	stageByStatus = make(map[string]string)

	sorted := make([]crm.Stage, len(stages))
	copy(sorted, stages)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Sort != sorted[j].Sort {
			return sorted[i].Sort < sorted[j].Sort
		}
		return sorted[i].StatusID < sorted[j].StatusID
	})

	for _, s := range sorted {
		if s.StatusID == "" {
			continue
		}
		status, ok := Classify(s)
		if !ok {
			continue
		}
		statusByStage[s.StatusID] = status
		if _, taken := stageByStatus[status]; !taken {
			stageByStatus[status] = s.StatusID
		}
	}
	return statusByStage, stageByStatus
}

type Mapper struct {
	api          API
	funnelName   string
	configuredID int64

	mu            sync.RWMutex
	initialized   bool
	categoryID    int64
	stages        []crm.Stage
	statusByStage map[string]string
	stageByStatus map[string]string
}

func NewMapper(api API, cfg config.CRMConfig) *Mapper {
	return &Mapper{
		api:           api,
		funnelName:    cfg.FunnelName,
		configuredID:  cfg.CategoryID,
		statusByStage: map[string]string{},
		stageByStatus: map[string]string{},
	}
}

// Init resolves the pipeline (configured id, then lookup by name, then
// create) and loads its stages. It is safe to call again to refresh.
func (m *Mapper) Init(ctx context.Context) error {
	categoryID, err := m.resolveCategory(ctx)
	if err != nil {
		return err
	}

	stages, err := m.api.ListStages(ctx, categoryID)
	if err != nil {
		return fmt.Errorf("failed to load stages of category %d: %w", categoryID, err)
	}
	statusByStage, stageByStatus := BuildMapping(stages)

	m.mu.Lock()
	m.categoryID = categoryID
	m.stages = stages
	m.statusByStage = statusByStage
	m.stageByStatus = stageByStatus
	m.initialized = true
	m.mu.Unlock()

	for _, s := range stages {
		if _, ok := statusByStage[s.StatusID]; !ok {
			log.Warn().Str("stage_id", s.StatusID).Str("name", s.Name).Msg("pipeline stage has no order status")
		}
	}
	log.Info().
		Int64("category_id", categoryID).
		Int("stages", len(stages)).
		Interface("stage_by_status", stageByStatus).
		Msg("funnel initialized")
	return nil
}

func (m *Mapper) resolveCategory(ctx context.Context) (int64, error) {
	if m.configuredID > 0 {
		return m.configuredID, nil
	}

	cats, err := m.api.ListCategories(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list categories: %w", err)
	}
	for _, c := range cats {
		if c.Name == m.funnelName {
			log.Info().Int64("category_id", c.ID).Str("name", c.Name).Msg("found existing funnel")
			return c.ID, nil
		}
	}

	id, err := m.api.AddCategory(ctx, m.funnelName, DefaultStages)
	if err != nil {
		return 0, fmt.Errorf("failed to create funnel %q: %w", m.funnelName, err)
	}
	log.Info().Int64("category_id", id).Str("name", m.funnelName).Msg("created funnel")
	return id, nil
}

// InitUntilReady retries Init every interval until it succeeds or ctx ends.
// Until then deals go out without a pipeline and inbound events are not
// filtered.
func (m *Mapper) InitUntilReady(ctx context.Context, interval time.Duration) error {
	for {
		err := m.Init(ctx)
		if err == nil {
			return nil
		}
		log.Error().Err(err).Dur("retry_in", interval).Msg("funnel init failed")

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (m *Mapper) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

func (m *Mapper) CategoryID() (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.categoryID, m.initialized
}

// StageFor returns the preferred stage for an order status.
func (m *Mapper) StageFor(status string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.stageByStatus[status]
	return id, ok
}

// StatusFor returns the order status of a stage. Unknown stages are not an
// error; callers leave the status unchanged.
func (m *Mapper) StatusFor(stageID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statusByStage[stageID]
	return status, ok
}

type Snapshot struct {
	Initialized   bool              `json:"initialized"`
	CategoryID    int64             `json:"category_id"`
	Stages        []crm.Stage       `json:"stages"`
	StageByStatus map[string]string `json:"stage_by_status"`
	StatusByStage map[string]string `json:"status_by_stage"`
}

func (m *Mapper) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Initialized:   m.initialized,
		CategoryID:    m.categoryID,
		Stages:        append([]crm.Stage(nil), m.stages...),
		StageByStatus: make(map[string]string, len(m.stageByStatus)),
		StatusByStage: make(map[string]string, len(m.statusByStage)),
	}
	for k, v := range m.stageByStatus {
		snap.StageByStatus[k] = v
	}
	for k, v := range m.statusByStage {
		snap.StatusByStage[k] = v
	}
	return snap
}
