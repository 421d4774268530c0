// Package cleanup restores the one-deal-per-order invariant. Duplicate deals
// can appear when a create succeeds in the CRM but the worker dies before the
// link is persisted; the reconciler finds them by title and deletes extras.
package cleanup

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"crmsync/internal/engine/crm"
	"crmsync/internal/platform/config"
)

type DealAPI interface {
	GetDeal(ctx context.Context, id int64) (crm.Record, error)
	DeleteDeal(ctx context.Context, id int64) error
	ListDeals(ctx context.Context, p crm.ListParams) ([]crm.Record, error)
}

// Deal is a CRM deal that claims to belong to an order.
type Deal struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	CategoryID string    `json:"category_id"`
	StageID    string    `json:"stage_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// DuplicateFinder returns the deals titled for orderID, newest first.
// knownDealID is a hint and may be nil.
type DuplicateFinder interface {
	FindDuplicates(ctx context.Context, orderID int64, knownDealID *int64) ([]Deal, error)
}

// TitleMatcher matches "Order #<id>" not followed by another digit, so
// order 7 does not match "Order #70".
func TitleMatcher(orderID int64) *regexp.Regexp {
	return regexp.MustCompile(`Order #` + strconv.FormatInt(orderID, 10) + `(?:\D|$)`)
}

func dealFromRecord(r crm.Record) (Deal, bool) {
	id, ok := r.Int64("ID")
	if !ok {
		return Deal{}, false
	}
	return Deal{
		ID:         id,
		Title:      r.String("TITLE"),
		CategoryID: r.String("CATEGORY_ID"),
		StageID:    r.String("STAGE_ID"),
		CreatedAt:  parseDate(r.String("DATE_CREATE")),
	}, true
}

func parseDate(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// sortNewestFirst orders by DATE_CREATE descending; undated deals go last and
// ties fall back to the higher id.
func sortNewestFirst(deals []Deal) {
	sort.SliceStable(deals, func(i, j int) bool {
		if !deals[i].CreatedAt.Equal(deals[j].CreatedAt) {
			return deals[i].CreatedAt.After(deals[j].CreatedAt)
		}
		return deals[i].ID > deals[j].ID
	})
}

// WindowFinder checks deal ids one by one around the known deal, or from 1 to
// FallbackMax without one. It works on portals where list filtering is
// unreliable.
type WindowFinder struct {
	api         DealAPI
	radius      int64
	fallbackMax int64
}

func NewWindowFinder(api DealAPI, radius, fallbackMax int64) *WindowFinder {
	if radius <= 0 {
		radius = 20
	}
	if fallbackMax <= 0 {
		fallbackMax = 200
	}
	return &WindowFinder{api: api, radius: radius, fallbackMax: fallbackMax}
}

func (f *WindowFinder) FindDuplicates(ctx context.Context, orderID int64, knownDealID *int64) ([]Deal, error) {
	start, end := int64(1), f.fallbackMax
	if knownDealID != nil && *knownDealID > 0 {
		start = *knownDealID - f.radius
		if start < 1 {
			start = 1
		}
		end = *knownDealID + f.radius
	}

	match := TitleMatcher(orderID)
	var deals []Deal
	for id := start; id <= end; id++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := f.api.GetDeal(ctx, id)
		if err != nil {
			if !crm.IsNotFound(err) {
				log.Debug().Err(err).Int64("deal_id", id).Msg("skipping deal during duplicate scan")
			}
			continue
		}
		d, ok := dealFromRecord(rec)
		if !ok {
			d.ID = id
			d.Title = rec.String("TITLE")
			d.CreatedAt = parseDate(rec.String("DATE_CREATE"))
		}
		if match.MatchString(d.Title) {
			deals = append(deals, d)
		}
	}

	sortNewestFirst(deals)
	log.Info().Int64("order_id", orderID).Int64("from", start).Int64("to", end).Int("found", len(deals)).Msg("window duplicate scan")
	return deals, nil
}

// FilteredFinder asks the CRM for deals whose title contains the order tag.
type FilteredFinder struct {
	api DealAPI
}

func NewFilteredFinder(api DealAPI) *FilteredFinder {
	return &FilteredFinder{api: api}
}

func (f *FilteredFinder) FindDuplicates(ctx context.Context, orderID int64, knownDealID *int64) ([]Deal, error) {
	recs, err := f.api.ListDeals(ctx, crm.ListParams{
		Filter: map[string]interface{}{"%TITLE": fmt.Sprintf("Order #%d", orderID)},
		Order:  map[string]string{"DATE_CREATE": "DESC"},
		Select: []string{"ID", "TITLE", "DATE_CREATE", "CATEGORY_ID", "STAGE_ID"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list deals for order %d: %w", orderID, err)
	}

	match := TitleMatcher(orderID)
	var deals []Deal
	for _, r := range recs {
		d, ok := dealFromRecord(r)
		if ok && match.MatchString(d.Title) {
			deals = append(deals, d)
		}
	}
	sortNewestFirst(deals)
	return deals, nil
}

// NewFinder builds the finder named by cfg.Finder.
func NewFinder(api DealAPI, cfg config.CleanupConfig) (DuplicateFinder, error) {
	switch cfg.Finder {
	case "", "window":
		return NewWindowFinder(api, cfg.WindowRadius, cfg.FallbackMax), nil
	case "filtered":
		return NewFilteredFinder(api), nil
	default:
		return nil, fmt.Errorf("unknown duplicate finder %q", cfg.Finder)
	}
}
