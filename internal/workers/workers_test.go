package workers

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"crmsync/internal/engine/crm"
	"crmsync/internal/engine/crm/crmtest"
	"crmsync/internal/engine/deadletter"
	"crmsync/internal/engine/funnel"
	"crmsync/internal/engine/queue"
	"crmsync/internal/engine/syncer"
	"crmsync/internal/platform/config"
	"crmsync/internal/platform/database"
	"crmsync/internal/platform/database/testdb"
	"crmsync/internal/platform/models"
	"crmsync/internal/platform/repositories"
	"crmsync/internal/platform/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu      sync.Mutex
	letters []deadletter.Letter
}

func (s *recordingSink) Record(ctx context.Context, l deadletter.Letter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, l)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.letters)
}

type harness struct {
	ctx    context.Context
	srv    *crmtest.Server
	client *crm.Client
	db     *database.DB
	store  *repositories.Store
	q      *queue.MemoryQueue
	clock  *fakeClock
	sync   *syncer.Service
	sink   *recordingSink
	dir    string
	worker *Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	srv := crmtest.NewServer(t)
	cfg := srv.Config()
	client := crm.NewClient(cfg)
	mapper := funnel.NewMapper(client, cfg)
	require.NoError(t, mapper.Init(ctx))

	db := testdb.Open(t)
	store := repositories.NewStore(db)

	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := queue.NewMemoryQueue(queue.Options{Consumer: "worker_test", RetryDelay: 10 * time.Second, ReclaimIdle: time.Minute})
	q.SetClock(clock.now)

	h := &harness{
		ctx:    ctx,
		srv:    srv,
		client: client,
		db:     db,
		store:  store,
		q:      q,
		clock:  clock,
		sync:   syncer.NewService(store, q),
		sink:   &recordingSink{},
		dir:    t.TempDir(),
	}
	h.worker = New(Deps{
		Queue:      q,
		CRM:        client,
		Store:      store,
		Funnel:     mapper,
		Sync:       h.sync,
		Files:      storage.NewLocalSource(h.dir),
		DeadLetter: h.sink,
		CRMConfig:  cfg,
		Config:     config.WorkerConfig{BatchSize: 10, ReclaimIdle: time.Minute},
	})
	return h
}

// drain runs n iterations, moving the clock past the retry delay each time.
func (h *harness) drain(n int) {
	for i := 0; i < n; i++ {
		h.worker.RunOnce(h.ctx)
		h.clock.advance(11 * time.Second)
	}
}

func (h *harness) pending(t *testing.T, stream string) int64 {
	t.Helper()
	info, err := h.q.StreamInfo(h.ctx, stream)
	require.NoError(t, err)
	if len(info.Group) == 0 {
		return 0
	}
	return info.Group[0].Pending
}

func (h *harness) order(t *testing.T, id int64) *models.Order {
	t.Helper()
	o, err := h.store.Orders.GetByID(h.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

// seedOrder creates an order whose owner already has a contact.
func (h *harness) seedOrder(t *testing.T, price string) int64 {
	userID := testdb.SeedUser(t, h.db, "alice")
	testdb.Exec(t, h.db, `UPDATE users SET external_contact_id = 555 WHERE id = ?`, userID)
	return testdb.SeedOrder(t, h.db, userID, models.StatusPending, price, 1700000000)
}

func (h *harness) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(h.dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWorker_CreatesDealAndMissingContact(t *testing.T) {
	h := newHarness(t)
	userID := testdb.SeedUser(t, h.db, "bob")
	orderID := testdb.SeedOrder(t, h.db, userID, models.StatusPending, "2500", 1700000000)

	require.True(t, h.sync.QueueDealCreation(h.ctx, orderID))
	h.drain(3)

	o := h.order(t, orderID)
	require.NotNil(t, o.ExternalDealID)
	deal, ok := h.srv.Deal(*o.ExternalDealID)
	require.True(t, ok)

	rec := crm.Record(deal)
	assert.Equal(t, "Order #1 - printing", rec.String("TITLE"))
	assert.Equal(t, "2500.00", rec.String("OPPORTUNITY"))
	assert.Equal(t, "2", rec.String("UF_CRM_QUANTITY"))
	categoryID, _ := rec.Int64("CATEGORY_ID")
	assert.Equal(t, int64(101), categoryID)
	assert.Equal(t, "C101:NEW", rec.String("STAGE_ID"))
	assert.True(t, rec.Empty("CONTACT_ID"), "contact did not exist yet")

	u, err := h.store.Users.GetByID(h.ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, u.ExternalContactID, "contact creation was queued and processed")
	assert.Equal(t, 1, h.srv.CallCount("crm.contact.add"))

	assert.Equal(t, int64(0), h.pending(t, queue.StreamOperations))
	assert.Equal(t, int64(2), h.worker.Stats().Snapshot().Succeeded)
}

func TestWorker_RedeliveredCreateDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder(t, "100")

	op := &queue.Operation{EntityType: queue.EntityDeal, EntityID: orderID, Operation: queue.OpCreate}
	for i := 0; i < 3; i++ {
		_, err := queue.PublishOperation(h.ctx, h.q, op)
		require.NoError(t, err)
	}
	h.drain(2)

	assert.Equal(t, 1, h.srv.DealCount())
	assert.Equal(t, 1, h.srv.CallCount("crm.deal.add"))
	assert.Equal(t, int64(0), h.pending(t, queue.StreamOperations))
}

// linkingCRM links the order behind the worker's back as soon as the deal is
// created, like a second worker winning the race.
type linkingCRM struct {
	*crm.Client
	db      *database.DB
	orderID int64
}

func (c *linkingCRM) AddDeal(ctx context.Context, fields map[string]interface{}) (int64, error) {
	id, err := c.Client.AddDeal(ctx, fields)
	if err == nil {
		_, err = c.db.Exec(`UPDATE orders SET external_deal_id = 999 WHERE order_id = ?`, c.orderID)
	}
	return id, err
}

func TestWorker_LostLinkRaceDeletesNewDeal(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder(t, "100")
	h.worker.crm = &linkingCRM{Client: h.client, db: h.db, orderID: orderID}

	require.True(t, h.sync.QueueDealCreation(h.ctx, orderID))
	h.drain(1)

	assert.Equal(t, 0, h.srv.DealCount(), "orphan deal removed")
	assert.Equal(t, 1, h.srv.CallCount("crm.deal.delete"))
	assert.Equal(t, int64(999), *h.order(t, orderID).ExternalDealID)
	assert.Equal(t, int64(0), h.pending(t, queue.StreamOperations))
}

func TestWorker_PermanentFailureUsesPermanentBudget(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder(t, "100")
	h.srv.Fail("crm.deal.add", 400, `{"error":"ERROR_VALIDATION","error_description":"bad field"}`, 100)

	require.True(t, h.sync.QueueDealCreation(h.ctx, orderID))
	h.drain(8)

	assert.Equal(t, 3, h.srv.CallCount("crm.deal.add"), "first attempt plus 2 retries")
	require.Equal(t, 1, h.sink.count())
	assert.Equal(t, "permanent", h.sink.letters[0].Class)
	assert.Equal(t, 2, h.sink.letters[0].RetryCount)
	assert.Equal(t, int64(0), h.pending(t, queue.StreamOperations))

	snap := h.worker.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.DeadLettered)
	assert.Equal(t, int64(2), snap.Retried)
	assert.Equal(t, int64(3), snap.Failures["permanent"])
}

func TestWorker_TransientFailureUsesTransientBudget(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder(t, "100")
	h.srv.Fail("crm.deal.add", 500, `{"error":"INTERNAL_SERVER_ERROR"}`, 100)

	require.True(t, h.sync.QueueDealCreation(h.ctx, orderID))
	h.drain(12)

	assert.Equal(t, 6, h.srv.CallCount("crm.deal.add"), "first attempt plus 5 retries")
	require.Equal(t, 1, h.sink.count())
	assert.Equal(t, "transient", h.sink.letters[0].Class)
	assert.Nil(t, h.order(t, orderID).ExternalDealID)
}

func TestWorker_TransientFailureRecovers(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder(t, "100")
	h.srv.Fail("crm.deal.add", 503, "", 2)

	require.True(t, h.sync.QueueDealCreation(h.ctx, orderID))
	h.drain(4)

	assert.Equal(t, 3, h.srv.CallCount("crm.deal.add"))
	assert.NotNil(t, h.order(t, orderID).ExternalDealID)
	assert.Equal(t, 0, h.sink.count())
}

func TestWorker_MissingOrderIsBusinessLogic(t *testing.T) {
	h := newHarness(t)
	_, err := queue.PublishOperation(h.ctx, h.q, &queue.Operation{EntityType: queue.EntityDeal, EntityID: 404, Operation: queue.OpCreate})
	require.NoError(t, err)

	h.drain(8)

	require.Equal(t, 1, h.sink.count())
	assert.Equal(t, "business_logic", h.sink.letters[0].Class)
	assert.Equal(t, 3, h.sink.letters[0].RetryCount)
}

func TestWorker_BudgetsReload(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder(t, "100")
	h.srv.Fail("crm.deal.add", 400, `{"error":"ERROR_VALIDATION"}`, 100)
	h.worker.SetBudgets(config.BudgetConfig{Permanent: 1})

	require.True(t, h.sync.QueueDealCreation(h.ctx, orderID))
	h.drain(5)

	assert.Equal(t, 2, h.srv.CallCount("crm.deal.add"))
	assert.Equal(t, 5, h.worker.budgets.For(crm.Transient), "unset budgets keep defaults")
}

func TestWorker_MalformedEntryIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	_, err := h.q.Publish(h.ctx, queue.StreamOperations, map[string]string{
		"entity_type": "deal",
		"entity_id":   "not-a-number",
		"operation":   "create",
		"payload":     "{}",
	})
	require.NoError(t, err)

	h.drain(1)

	assert.Equal(t, int64(0), h.pending(t, queue.StreamOperations))
	assert.Equal(t, int64(1), h.worker.Stats().Snapshot().Malformed)
	assert.Equal(t, 0, h.sink.count())
}

func TestWorker_UpdateDealDiffsAndAttaches(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder(t, "2500")

	h.writeFile(t, "models/part.stl", "solid part")
	h.writeFile(t, "docs/invoice.pdf", "%PDF")
	fileID := testdb.Exec(t, h.db, `INSERT INTO files (filename, storage_path) VALUES ('part.stl', 'models/part.stl')`)
	docID := testdb.Exec(t, h.db, `INSERT INTO documents (filename, storage_path) VALUES ('invoice.pdf', 'docs/invoice.pdf')`)
	testdb.Exec(t, h.db, `UPDATE orders SET external_deal_id = 60, file_id = ?, document_ids = ? WHERE order_id = ?`,
		fileID, "["+strconv.FormatInt(docID, 10)+"]", orderID)

	o := h.order(t, orderID)
	h.srv.PutDeal(60, map[string]interface{}{
		"OPPORTUNITY":     "100.00",
		"UF_CRM_QUANTITY": "2",
		"COMMENTS":        dealComments(o),
		"CONTACT_ID":      "555",
	})

	require.True(t, h.sync.QueueDealUpdate(h.ctx, orderID))
	h.drain(1)

	deal, _ := h.srv.Deal(60)
	rec := crm.Record(deal)
	assert.Equal(t, "2500.00", rec.String("OPPORTUNITY"))
	assert.False(t, rec.Empty("UF_CRM_MODEL_FILE"), "file attached to empty field")
	assert.False(t, rec.Empty("UF_CRM_DOCUMENTS"), "documents attached to empty field")
	assert.Equal(t, 1, h.srv.DiskFileCount())
	assert.Equal(t, 3, h.srv.CallCount("crm.deal.update"), "diff, file and documents each update once")
	assert.NotNil(t, h.order(t, orderID).CRMSyncedAt)

	// nothing changed and attachments are in place: no more writes
	require.True(t, h.sync.QueueDealUpdate(h.ctx, orderID))
	h.drain(1)
	assert.Equal(t, 3, h.srv.CallCount("crm.deal.update"))
}

func TestWorker_UpdateOfDeletedDealIsSoftSuccess(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder(t, "100")
	testdb.Exec(t, h.db, `UPDATE orders SET external_deal_id = 77 WHERE order_id = ?`, orderID)

	require.True(t, h.sync.QueueDealUpdate(h.ctx, orderID))
	h.drain(1)

	assert.Equal(t, int64(0), h.pending(t, queue.StreamOperations))
	assert.Equal(t, 0, h.sink.count())
	assert.Equal(t, 0, h.srv.CallCount("crm.deal.update"))
}

func TestWorker_ContactUpdateSendsChangedScalars(t *testing.T) {
	h := newHarness(t)
	userID := testdb.SeedUser(t, h.db, "carol")
	h.srv.PutContact(300, map[string]interface{}{"NAME": "Test carol", "COMPANY_TITLE": "Old Co", "ADDRESS_CITY": "Moscow"})
	testdb.Exec(t, h.db, `UPDATE users SET external_contact_id = 300 WHERE id = ?`, userID)

	require.True(t, h.sync.QueueContactUpdate(h.ctx, userID))
	h.drain(1)

	contact, _ := h.srv.Contact(300)
	assert.Equal(t, "ACME", contact["COMPANY_TITLE"])
	assert.Equal(t, 1, h.srv.CallCount("crm.contact.update"))
}

func TestWorker_CreatesLead(t *testing.T) {
	h := newHarness(t)
	crID := testdb.Exec(t, h.db, `INSERT INTO call_requests (name, phone, email, date, time, additional, created_at)
		VALUES ('Dave', '+71234567890', 'dave@example.com', '2024-05-01', '10:00', 'about printing', 1700000000)`)

	require.True(t, h.sync.QueueLeadCreation(h.ctx, crID))
	h.drain(2)

	cr, err := h.store.CallRequests.GetByID(h.ctx, crID)
	require.NoError(t, err)
	require.NotNil(t, cr.ExternalLeadID)

	raw, ok := h.srv.Lead(*cr.ExternalLeadID)
	require.True(t, ok)
	lead := crm.Record(raw)
	assert.Equal(t, "Call Request: Dave", lead.String("TITLE"))
	assert.Contains(t, lead.String("COMMENTS"), "2024-05-01 10:00")
	assert.Equal(t, 1, h.srv.CallCount("crm.lead.add"))
}

func TestContactFields_Email(t *testing.T) {
	fields := contactFields(&models.User{ID: 12, Username: "bob", Email: " Bob@Example.COM"}, "UF_CRM_APP_USER_ID")
	assert.Equal(t, multiField("Bob@example.com"), fields["EMAIL"])
	assert.Equal(t, "bob", fields["NAME"])
	assert.Equal(t, "12", fields["UF_CRM_APP_USER_ID"])

	fields = contactFields(&models.User{Username: "bob", Email: "bob at example"}, "")
	assert.NotContains(t, fields, "EMAIL")
	assert.NotContains(t, fields, "UF_CRM_APP_USER_ID")
	assert.Equal(t, "WEB", fields["SOURCE_ID"])
}

// racingCRM links the contact or lead behind the worker's back right after
// the CRM record is created.
type racingCRM struct {
	*crm.Client
	db *database.DB
}

func (c *racingCRM) AddContact(ctx context.Context, fields map[string]interface{}) (int64, error) {
	id, err := c.Client.AddContact(ctx, fields)
	if err == nil {
		_, err = c.db.Exec(`UPDATE users SET external_contact_id = 777`)
	}
	return id, err
}

func (c *racingCRM) AddLead(ctx context.Context, fields map[string]interface{}) (int64, error) {
	id, err := c.Client.AddLead(ctx, fields)
	if err == nil {
		_, err = c.db.Exec(`UPDATE call_requests SET external_lead_id = 888`)
	}
	return id, err
}

func TestWorker_LostLinkRaceDeletesNewContactAndLead(t *testing.T) {
	h := newHarness(t)
	h.worker.crm = &racingCRM{Client: h.client, db: h.db}

	userID := testdb.SeedUser(t, h.db, "gina")
	crID := testdb.Exec(t, h.db, `INSERT INTO call_requests (name, phone, email, date, time, additional, created_at)
		VALUES ('Gina', '+71234567890', '', '', '', '', 1700000000)`)

	require.True(t, h.sync.QueueContactCreation(h.ctx, userID))
	require.True(t, h.sync.QueueLeadCreation(h.ctx, crID))
	h.drain(1)

	assert.Equal(t, 1, h.srv.CallCount("crm.contact.add"))
	assert.Equal(t, 1, h.srv.CallCount("crm.contact.delete"))
	assert.Equal(t, 0, h.srv.ContactCount(), "orphan contact removed")
	assert.Equal(t, 1, h.srv.CallCount("crm.lead.delete"))
	assert.Equal(t, 0, h.srv.LeadCount(), "orphan lead removed")

	u, err := h.store.Users.GetByID(h.ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(777), *u.ExternalContactID)
	cr, err := h.store.CallRequests.GetByID(h.ctx, crID)
	require.NoError(t, err)
	assert.Equal(t, int64(888), *cr.ExternalLeadID)
	assert.Equal(t, int64(0), h.pending(t, queue.StreamOperations))
}

// slowCRM widens the window between reading the order and linking it.
type slowCRM struct {
	*crm.Client
}

func (c slowCRM) AddDeal(ctx context.Context, fields map[string]interface{}) (int64, error) {
	time.Sleep(5 * time.Millisecond)
	return c.Client.AddDeal(ctx, fields)
}

func TestWorker_ConcurrentCreatesKeepOneDeal(t *testing.T) {
	h := newHarness(t)
	// sqlite file locks would surface as transient failures
	h.db.SetMaxOpenConns(1)
	orderID := h.seedOrder(t, "100")

	op := &queue.Operation{EntityType: queue.EntityDeal, EntityID: orderID, Operation: queue.OpCreate}
	for i := 0; i < 6; i++ {
		_, err := queue.PublishOperation(h.ctx, h.q, op)
		require.NoError(t, err)
	}

	var pool []*Worker
	for i := 0; i < 3; i++ {
		pool = append(pool, New(Deps{
			Queue:      h.q.WithConsumer("worker_" + strconv.Itoa(i)),
			CRM:        slowCRM{Client: h.client},
			Store:      h.store,
			Funnel:     h.worker.funnel,
			DeadLetter: h.sink,
			CRMConfig:  h.srv.Config(),
			Config:     config.WorkerConfig{BatchSize: 1, ReclaimIdle: time.Minute},
		}))
	}

	for round := 0; round < 20; round++ {
		var wg sync.WaitGroup
		for _, w := range pool {
			wg.Add(1)
			go func(w *Worker) {
				defer wg.Done()
				w.RunOnce(h.ctx)
			}(w)
		}
		wg.Wait()
		h.clock.advance(11 * time.Second)
	}

	adds := h.srv.CallCount("crm.deal.add")
	deletes := h.srv.CallCount("crm.deal.delete")
	require.GreaterOrEqual(t, adds, 1)
	assert.Equal(t, 1, adds-deletes, "every losing deal is deleted")
	assert.Equal(t, 1, h.srv.DealCount())

	o := h.order(t, orderID)
	require.NotNil(t, o.ExternalDealID)
	_, ok := h.srv.Deal(*o.ExternalDealID)
	assert.True(t, ok, "order points at the surviving deal")
	assert.Equal(t, int64(0), h.pending(t, queue.StreamOperations))
	assert.Equal(t, 0, h.sink.count())
}

func publishEvent(t *testing.T, h *harness, eventType string, dealID int64, data map[string]interface{}) {
	t.Helper()
	_, err := queue.PublishWebhook(h.ctx, h.q, &queue.WebhookEvent{
		EventType:  eventType,
		EntityType: queue.EntityDeal,
		EntityID:   dealID,
		Data:       data,
	})
	require.NoError(t, err)
}

func TestWorker_DealUpdatedMapsStageToStatus(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder(t, "100")
	testdb.Exec(t, h.db, `UPDATE orders SET external_deal_id = 50 WHERE order_id = ?`, orderID)
	h.srv.PutDeal(50, map[string]interface{}{"CATEGORY_ID": "101", "STAGE_ID": "C101:PREPARATION"})

	publishEvent(t, h, "deal_updated", 50, map[string]interface{}{"ID": "50", "CATEGORY_ID": "101", "STAGE_ID": "C101:WON"})
	h.drain(1)
	assert.Equal(t, models.StatusCompleted, h.order(t, orderID).Status)

	publishEvent(t, h, "deal_updated", 50, map[string]interface{}{"ID": "50", "CATEGORY_ID": "7", "STAGE_ID": "C7:LOSE"})
	h.drain(1)
	assert.Equal(t, models.StatusCompleted, h.order(t, orderID).Status, "other pipeline ignored")

	publishEvent(t, h, "deal_updated", 50, map[string]interface{}{"ID": "50", "CATEGORY_ID": nil, "STAGE_ID": nil})
	h.drain(1)
	assert.Equal(t, models.StatusProcessing, h.order(t, orderID).Status, "stage fetched from CRM")
	assert.Equal(t, 1, h.srv.CallCount("crm.deal.get"))

	publishEvent(t, h, "deal_updated", 50, map[string]interface{}{"ID": "50", "CATEGORY_ID": "101", "STAGE_ID": "C101:UC_CUSTOM"})
	h.drain(1)
	assert.Equal(t, models.StatusProcessing, h.order(t, orderID).Status, "unmapped stage leaves status")

	assert.Equal(t, int64(0), h.pending(t, queue.StreamWebhooks))
}

func TestWorker_DealDeletedUnlinksOrder(t *testing.T) {
	h := newHarness(t)
	orderID := h.seedOrder(t, "100")
	testdb.Exec(t, h.db, `UPDATE orders SET external_deal_id = 50 WHERE order_id = ?`, orderID)

	publishEvent(t, h, "deal_deleted", 50, map[string]interface{}{"ID": "50"})
	publishEvent(t, h, "invoice_generated", 9, nil)
	h.drain(1)

	assert.Nil(t, h.order(t, orderID).ExternalDealID)
	assert.Equal(t, int64(0), h.pending(t, queue.StreamWebhooks))
}

func TestWorker_StopEndsRun(t *testing.T) {
	h := newHarness(t)
	h.worker.idleSleep = 5 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(context.Background()) }()

	h.worker.Stop()
	h.worker.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
