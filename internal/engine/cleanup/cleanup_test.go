package cleanup

import (
	"context"
	"testing"
	"time"

	"crmsync/internal/engine/crm"
	"crmsync/internal/engine/crm/crmtest"
	"crmsync/internal/platform/config"
	"crmsync/internal/platform/database/testdb"
	"crmsync/internal/platform/models"
	"crmsync/internal/platform/repositories"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct{ orders []int64 }

func (e *recordingEnqueuer) QueueDealCreation(ctx context.Context, orderID int64) bool {
	e.orders = append(e.orders, orderID)
	return true
}

func TestTitleMatcher(t *testing.T) {
	m := TitleMatcher(7)
	assert.True(t, m.MatchString("Order #7"))
	assert.True(t, m.MatchString("Order #7 - printing"))
	assert.False(t, m.MatchString("Order #70 - printing"))
	assert.False(t, m.MatchString("Order #17"))
	assert.False(t, m.MatchString("Order 7"))
}

func TestWindowFinder_KnownDealWindow(t *testing.T) {
	srv := crmtest.NewServer(t)
	client := crm.NewClient(srv.Config())

	srv.PutDeal(5, map[string]interface{}{"TITLE": "Order #7 - printing"})
	srv.PutDeal(9, map[string]interface{}{"TITLE": "Order #7 - printing"})
	srv.PutDeal(12, map[string]interface{}{"TITLE": "Order #70 - printing"})
	srv.PutDeal(60, map[string]interface{}{"TITLE": "Order #7 - outside window"})

	known := int64(9)
	deals, err := NewWindowFinder(client, 20, 200).FindDuplicates(context.Background(), 7, &known)
	require.NoError(t, err)
	require.Len(t, deals, 2)
	assert.Equal(t, int64(9), deals[0].ID, "newest first")
	assert.Equal(t, int64(5), deals[1].ID)
	assert.Equal(t, 29, srv.CallCount("crm.deal.get"), "ids 1..29")
}

func TestFilteredFinder(t *testing.T) {
	srv := crmtest.NewServer(t)
	client := crm.NewClient(srv.Config())

	srv.PutDeal(5, map[string]interface{}{"TITLE": "Order #7 - printing"})
	srv.PutDeal(9, map[string]interface{}{"TITLE": "Order #7 - printing"})
	srv.PutDeal(12, map[string]interface{}{"TITLE": "Order #70 - printing"})

	deals, err := NewFilteredFinder(client).FindDuplicates(context.Background(), 7, nil)
	require.NoError(t, err)
	require.Len(t, deals, 2)
	assert.Equal(t, []int64{9, 5}, []int64{deals[0].ID, deals[1].ID})
	assert.Equal(t, 0, srv.CallCount("crm.deal.get"))
}

func TestReconciler_KeepsNewestAndDeletesRest(t *testing.T) {
	srv := crmtest.NewServer(t)
	client := crm.NewClient(srv.Config())
	db := testdb.Open(t)
	ctx := context.Background()

	userID := testdb.SeedUser(t, db, "alice")
	for i := 0; i < 6; i++ {
		testdb.SeedOrder(t, db, userID, models.StatusPending, "10", 1700000000)
	}
	testdb.SeedOrder(t, db, userID, models.StatusPending, "10", 1700000000) // order 7
	testdb.Exec(t, db, `UPDATE orders SET external_deal_id = 9 WHERE order_id = 7`)

	srv.PutDeal(5, map[string]interface{}{"TITLE": "Order #7 - printing"})
	srv.PutDeal(9, map[string]interface{}{"TITLE": "Order #7 - printing"})

	orders := repositories.NewOrderRepository(db)
	r := NewReconciler(orders, client, NewWindowFinder(client, 20, 200), KeepNewest)

	res := r.Reconcile(ctx, 7)
	assert.Equal(t, int64(7), res.OrderID)
	assert.Equal(t, 2, res.Found)
	assert.Equal(t, 1, res.Deleted)
	require.NotNil(t, res.Kept)
	assert.Equal(t, int64(9), *res.Kept)
	assert.Empty(t, res.Errors)

	_, ok := srv.Deal(5)
	assert.False(t, ok, "deal 5 deleted")
	_, ok = srv.Deal(9)
	assert.True(t, ok, "deal 9 kept")

	o, err := orders.GetByID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(9), *o.ExternalDealID)
}

func TestReconciler_KeepLinkedRepointsOnlyWhenNeeded(t *testing.T) {
	srv := crmtest.NewServer(t)
	client := crm.NewClient(srv.Config())
	db := testdb.Open(t)
	ctx := context.Background()

	orderID := testdb.SeedOrder(t, db, testdb.SeedUser(t, db, "bob"), models.StatusPending, "10", 1700000000)
	title := "Order #1 - printing"
	srv.PutDeal(3, map[string]interface{}{"TITLE": title})
	srv.PutDeal(4, map[string]interface{}{"TITLE": title})
	testdb.Exec(t, db, `UPDATE orders SET external_deal_id = 3 WHERE order_id = ?`, orderID)

	orders := repositories.NewOrderRepository(db)
	r := NewReconciler(orders, client, NewFilteredFinder(client), KeepLinked)

	res := r.Reconcile(ctx, orderID)
	require.NotNil(t, res.Kept)
	assert.Equal(t, int64(3), *res.Kept, "linked deal survives even though 4 is newer")
	assert.Equal(t, 1, res.Deleted)
	_, ok := srv.Deal(4)
	assert.False(t, ok)
}

func TestReconciler_UnlinkedOrderGetsLinked(t *testing.T) {
	srv := crmtest.NewServer(t)
	client := crm.NewClient(srv.Config())
	db := testdb.Open(t)
	ctx := context.Background()

	orderID := testdb.SeedOrder(t, db, testdb.SeedUser(t, db, "carol"), models.StatusPending, "10", 1700000000)
	srv.PutDeal(2, map[string]interface{}{"TITLE": "Order #1 - printing"})

	orders := repositories.NewOrderRepository(db)
	r := NewReconciler(orders, client, NewWindowFinder(client, 20, 10), KeepNewest)

	res := r.Reconcile(ctx, orderID)
	assert.Equal(t, 1, res.Found)
	assert.Equal(t, 0, res.Deleted)

	o, err := orders.GetByID(ctx, orderID)
	require.NoError(t, err)
	require.NotNil(t, o.ExternalDealID)
	assert.Equal(t, int64(2), *o.ExternalDealID)

	missing := r.Reconcile(ctx, 999)
	assert.NotEmpty(t, missing.Errors)
}

func TestReconciler_DeleteFailuresAreIndependent(t *testing.T) {
	srv := crmtest.NewServer(t)
	client := crm.NewClient(srv.Config())
	db := testdb.Open(t)
	ctx := context.Background()

	orderID := testdb.SeedOrder(t, db, testdb.SeedUser(t, db, "dave"), models.StatusPending, "10", 1700000000)
	testdb.Exec(t, db, `UPDATE orders SET external_deal_id = 8 WHERE order_id = ?`, orderID)
	for _, id := range []int64{6, 7, 8} {
		srv.PutDeal(id, map[string]interface{}{"TITLE": "Order #1"})
	}
	srv.Fail("crm.deal.delete", 500, `{"error":"INTERNAL_SERVER_ERROR"}`, 1)

	r := NewReconciler(repositories.NewOrderRepository(db), client, NewFilteredFinder(client), KeepNewest)
	res := r.Reconcile(ctx, orderID)
	assert.Equal(t, 3, res.Found)
	assert.Equal(t, 1, res.Deleted)
	assert.Len(t, res.Errors, 1)

	sum := r.ReconcileAll(ctx)
	assert.Equal(t, 1, sum.OrdersChecked)
	assert.Equal(t, 1, sum.Deleted)
	assert.Equal(t, 1, sum.OrdersWithDuplicates)
	assert.Equal(t, 1, srv.DealCount())
}

func TestAuditor_RequeuesAndUnlinks(t *testing.T) {
	srv := crmtest.NewServer(t)
	client := crm.NewClient(srv.Config())
	db := testdb.Open(t)
	ctx := context.Background()

	userID := testdb.SeedUser(t, db, "erin")
	now := time.Now()
	stale := testdb.SeedOrder(t, db, userID, models.StatusPending, "10", now.Add(-time.Hour).Unix())
	fresh := testdb.SeedOrder(t, db, userID, models.StatusPending, "10", now.Unix())
	alive := testdb.SeedOrder(t, db, userID, models.StatusPending, "10", now.Add(-time.Hour).Unix())
	gone := testdb.SeedOrder(t, db, userID, models.StatusPending, "10", now.Add(-time.Hour).Unix())

	srv.PutDeal(50, map[string]interface{}{"TITLE": "Order #3"})
	testdb.Exec(t, db, `UPDATE orders SET external_deal_id = 50 WHERE order_id = ?`, alive)
	testdb.Exec(t, db, `UPDATE orders SET external_deal_id = 51 WHERE order_id = ?`, gone)

	orders := repositories.NewOrderRepository(db)
	enq := &recordingEnqueuer{}
	rep := NewAuditor(orders, client, enq, nil, 10*time.Minute).Audit(ctx)

	assert.Equal(t, 1, rep.UnlinkedRequeued)
	assert.Equal(t, 2, rep.LinkedChecked)
	assert.Equal(t, 1, rep.StaleUnlinked)
	assert.Empty(t, rep.Errors)
	assert.Equal(t, []int64{stale, gone}, enq.orders)
	assert.NotContains(t, enq.orders, fresh)

	o, err := orders.GetByID(ctx, gone)
	require.NoError(t, err)
	assert.Nil(t, o.ExternalDealID)
}

type fixedStages struct {
	categoryID int64
	statuses   map[string]string
}

func (s fixedStages) CategoryID() (int64, bool) { return s.categoryID, true }

func (s fixedStages) StatusFor(stageID string) (string, bool) {
	status, ok := s.statuses[stageID]
	return status, ok
}

func TestAuditor_PullsStatusFromStage(t *testing.T) {
	srv := crmtest.NewServer(t)
	client := crm.NewClient(srv.Config())
	db := testdb.Open(t)
	ctx := context.Background()

	userID := testdb.SeedUser(t, db, "frank")
	created := time.Now().Unix()
	won := testdb.SeedOrder(t, db, userID, models.StatusPending, "10", created)
	same := testdb.SeedOrder(t, db, userID, models.StatusPending, "10", created)
	foreign := testdb.SeedOrder(t, db, userID, models.StatusPending, "10", created)
	unmapped := testdb.SeedOrder(t, db, userID, models.StatusPending, "10", created)

	deals := map[int64]map[string]interface{}{
		won:      {"TITLE": "Order", "CATEGORY_ID": "1", "STAGE_ID": "C1:WON"},
		same:     {"TITLE": "Order", "CATEGORY_ID": "1", "STAGE_ID": "C1:NEW"},
		foreign:  {"TITLE": "Order", "CATEGORY_ID": "7", "STAGE_ID": "C1:WON"},
		unmapped: {"TITLE": "Order", "CATEGORY_ID": "1", "STAGE_ID": "C1:ODD"},
	}
	for orderID, fields := range deals {
		dealID := orderID + 40
		srv.PutDeal(dealID, fields)
		testdb.Exec(t, db, `UPDATE orders SET external_deal_id = ? WHERE order_id = ?`, dealID, orderID)
	}

	stages := fixedStages{categoryID: 1, statuses: map[string]string{
		"C1:NEW": models.StatusPending,
		"C1:WON": models.StatusCompleted,
	}}
	orders := repositories.NewOrderRepository(db)
	rep := NewAuditor(orders, client, &recordingEnqueuer{}, stages, 10*time.Minute).Audit(ctx)

	assert.Equal(t, 4, rep.LinkedChecked)
	assert.Equal(t, 1, rep.StatusesPulled)
	assert.Empty(t, rep.Errors)

	want := map[int64]string{
		won:      models.StatusCompleted,
		same:     models.StatusPending,
		foreign:  models.StatusPending,
		unmapped: models.StatusPending,
	}
	for orderID, status := range want {
		o, err := orders.GetByID(ctx, orderID)
		require.NoError(t, err)
		assert.Equal(t, status, o.Status, "order %d", orderID)
	}

	rep = NewAuditor(orders, client, &recordingEnqueuer{}, stages, 10*time.Minute).Audit(ctx)
	assert.Equal(t, 0, rep.StatusesPulled, "second pass finds nothing to pull")
}

func TestNewFinder(t *testing.T) {
	f, err := NewFinder(nil, config.CleanupConfig{})
	require.NoError(t, err)
	assert.IsType(t, &WindowFinder{}, f)

	f, err = NewFinder(nil, config.CleanupConfig{Finder: "filtered"})
	require.NoError(t, err)
	assert.IsType(t, &FilteredFinder{}, f)

	_, err = NewFinder(nil, config.CleanupConfig{Finder: "fulltext"})
	assert.Error(t, err)
}
