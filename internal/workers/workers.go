// Package workers runs the sync worker: it drains the operations and webhooks
// streams, dispatches each entry to its handler and settles it. Successful
// entries are acknowledged, failed ones are left pending for a later retry
// until their class budget runs out, then acknowledged and dead-lettered.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"crmsync/internal/engine/crm"
	"crmsync/internal/engine/deadletter"
	"crmsync/internal/engine/queue"
	"crmsync/internal/platform/config"
	"crmsync/internal/platform/repositories"
	"crmsync/internal/platform/storage"
)

// errMalformed marks entries that can never be processed.
var errMalformed = errors.New("malformed queue entry")

// CRM is the subset of the CRM client the handlers call.
type CRM interface {
	AddDeal(ctx context.Context, fields map[string]interface{}) (int64, error)
	GetDeal(ctx context.Context, id int64) (crm.Record, error)
	UpdateDeal(ctx context.Context, id int64, fields map[string]interface{}) error
	DeleteDeal(ctx context.Context, id int64) error
	AddContact(ctx context.Context, fields map[string]interface{}) (int64, error)
	GetContact(ctx context.Context, id int64) (crm.Record, error)
	UpdateContact(ctx context.Context, id int64, fields map[string]interface{}) error
	DeleteContact(ctx context.Context, id int64) error
	AddLead(ctx context.Context, fields map[string]interface{}) (int64, error)
	DeleteLead(ctx context.Context, id int64) error
	UploadFile(ctx context.Context, f crm.File) (int64, error)
	AttachFile(ctx context.Context, dealID int64, field string, f crm.File) error
	AttachDiskFiles(ctx context.Context, dealID int64, field string, diskIDs []int64) error
}

type StageMapper interface {
	CategoryID() (int64, bool)
	StageFor(status string) (string, bool)
	StatusFor(stageID string) (string, bool)
}

// ContactEnqueuer queues contact creation for deals whose customer has no
// contact yet.
type ContactEnqueuer interface {
	QueueContactCreation(ctx context.Context, userID int64) bool
}

type Deps struct {
	Queue      queue.Consumer
	CRM        CRM
	Store      *repositories.Store
	Funnel     StageMapper
	Sync       ContactEnqueuer
	Files      storage.Source // optional; attachments are skipped without it
	DeadLetter deadletter.Sink
	Classifier *crm.Classifier
	CRMConfig  config.CRMConfig
	Config     config.WorkerConfig
}

type Worker struct {
	queue      queue.Consumer
	crm        CRM
	store      *repositories.Store
	funnel     StageMapper
	sync       ContactEnqueuer
	files      storage.Source
	deadLetter deadletter.Sink
	classifier *crm.Classifier
	fields     config.CRMConfig

	batch       int64
	pollBlock   time.Duration
	idleSleep   time.Duration
	reclaimIdle time.Duration

	budgets *Budgets
	stats   *Stats

	stopOnce sync.Once
	stop     chan struct{}
}

func New(d Deps) *Worker {
	cfg := d.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollBlock <= 0 {
		cfg.PollBlock = time.Second
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 500 * time.Millisecond
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = 60 * time.Second
	}
	if d.DeadLetter == nil {
		d.DeadLetter = deadletter.LogSink{}
	}
	if d.Classifier == nil {
		d.Classifier = crm.NewClassifier(nil)
	}

	return &Worker{
		queue:       d.Queue,
		crm:         d.CRM,
		store:       d.Store,
		funnel:      d.Funnel,
		sync:        d.Sync,
		files:       d.Files,
		deadLetter:  d.DeadLetter,
		classifier:  d.Classifier,
		fields:      d.CRMConfig,
		batch:       cfg.BatchSize,
		pollBlock:   cfg.PollBlock,
		idleSleep:   cfg.IdleSleep,
		reclaimIdle: cfg.ReclaimIdle,
		budgets:     NewBudgets(cfg.Budgets),
		stats:       NewStats(),
		stop:        make(chan struct{}),
	}
}

func (w *Worker) Stats() *Stats {
	return w.stats
}

// SetBudgets swaps retry budgets while the worker runs.
func (w *Worker) SetBudgets(b config.BudgetConfig) {
	w.budgets.Set(b)
}

// Stop asks Run to return after the current iteration.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Worker) stopped(ctx context.Context) bool {
	select {
	case <-w.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run polls until Stop is called or ctx is cancelled. In-flight handlers are
// allowed to finish.
func (w *Worker) Run(ctx context.Context) error {
	for _, stream := range []string{queue.StreamOperations, queue.StreamWebhooks} {
		for {
			err := w.queue.EnsureGroup(ctx, stream)
			if err == nil {
				break
			}
			log.Error().Err(err).Str("stream", stream).Msg("failed to create consumer group, retrying")
			if !w.sleep(ctx, 5*time.Second) {
				return nil
			}
		}
	}

	log.Info().Msg("sync worker started")
	for !w.stopped(ctx) {
		if n := w.RunOnce(ctx); n == 0 {
			w.sleep(ctx, w.idleSleep)
		}
	}
	log.Info().Msg("sync worker stopped")
	return nil
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// RunOnce performs one loop iteration and returns how many entries it
// handled. Nothing that goes wrong inside escapes it.
func (w *Worker) RunOnce(ctx context.Context) (handled int) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("worker iteration panicked")
		}
	}()

	ops, err := w.queue.ReadPending(ctx, queue.StreamOperations, w.batch, w.pollBlock)
	if err != nil {
		log.Error().Err(err).Str("stream", queue.StreamOperations).Msg("failed to read queue")
	}
	hooks, err := w.queue.ReadPending(ctx, queue.StreamWebhooks, w.batch, 0)
	if err != nil {
		log.Error().Err(err).Str("stream", queue.StreamWebhooks).Msg("failed to read queue")
	}

	for _, e := range append(ops, hooks...) {
		w.process(ctx, e)
		handled++
	}

	for _, stream := range []string{queue.StreamOperations, queue.StreamWebhooks} {
		reclaimed, err := w.queue.ClaimIdle(ctx, stream, w.reclaimIdle, w.batch)
		if err != nil {
			log.Error().Err(err).Str("stream", stream).Msg("idle reclaim failed")
			continue
		}
		for _, e := range reclaimed {
			w.process(ctx, e)
			handled++
		}
	}
	return handled
}

func (w *Worker) process(ctx context.Context, e queue.Entry) {
	w.stats.processed.Add(1)
	logger := log.With().
		Str("stream", e.Stream).
		Str("message_id", e.ID).
		Str("entity_type", e.Fields["entity_type"]).
		Str("entity_id", e.Fields["entity_id"]).
		Int("retry_count", e.RetryCount).
		Logger()

	err := w.dispatchSafe(ctx, e)
	switch {
	case err == nil:
		w.stats.succeeded.Add(1)
		w.ack(ctx, e)
		logger.Debug().Msg("entry processed")
		return
	case errors.Is(err, errMalformed):
		w.stats.malformed.Add(1)
		logger.Warn().Err(err).Msg("dropping malformed entry")
		w.ack(ctx, e)
		return
	}

	verdict := w.classifier.Classify(err)
	w.stats.failure(verdict.Class)
	budget := w.budgets.For(verdict.Class)

	if e.RetryCount < budget {
		w.stats.retried.Add(1)
		logger.Warn().Err(err).
			Str("class", string(verdict.Class)).
			Int("budget", budget).
			Msg("entry failed, leaving pending for retry")
		return
	}

	w.stats.deadLettered.Add(1)
	logger.Error().Err(err).
		Str("class", string(verdict.Class)).
		Int("budget", budget).
		Bool("credential_alarm", verdict.CredentialAlarm).
		Msg("retry budget exhausted, acknowledging")
	w.ack(ctx, e)
	if err := w.deadLetter.Record(ctx, deadletter.NewLetter(e, string(verdict.Class), err)); err != nil {
		logger.Error().Err(err).Msg("failed to record dead letter")
	}
}

func (w *Worker) ack(ctx context.Context, e queue.Entry) {
	if err := w.queue.Acknowledge(ctx, e.Stream, e.ID); err != nil {
		log.Error().Err(err).Str("stream", e.Stream).Str("message_id", e.ID).Msg("failed to acknowledge entry")
	}
}

// dispatchSafe turns a handler panic into an error so it is retried like
// any unexpected failure.
func (w *Worker) dispatchSafe(ctx context.Context, e queue.Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.dispatch(ctx, e)
}

func (w *Worker) dispatch(ctx context.Context, e queue.Entry) error {
	switch e.Stream {
	case queue.StreamOperations:
		op, err := e.Operation()
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		return w.handleOperation(ctx, op)
	case queue.StreamWebhooks:
		ev, err := e.Webhook()
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		return w.handleEvent(ctx, ev)
	default:
		log.Warn().Str("stream", e.Stream).Msg("entry from unexpected stream")
		return nil
	}
}

func (w *Worker) handleOperation(ctx context.Context, op *queue.Operation) error {
	switch op.EntityType + "/" + op.Operation {
	case queue.EntityDeal + "/" + queue.OpCreate:
		return w.createDeal(ctx, op)
	case queue.EntityDeal + "/" + queue.OpUpdate:
		return w.updateDeal(ctx, op)
	case queue.EntityContact + "/" + queue.OpCreate:
		return w.createContact(ctx, op)
	case queue.EntityContact + "/" + queue.OpUpdate:
		return w.updateContact(ctx, op)
	case queue.EntityLead + "/" + queue.OpCreate:
		return w.createLead(ctx, op)
	default:
		log.Warn().
			Str("entity_type", op.EntityType).
			Str("operation", op.Operation).
			Int64("entity_id", op.EntityID).
			Msg("unsupported operation, acknowledging")
		return nil
	}
}

func businessLogic(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), crm.ErrBusinessLogic)
}
