package webhooks

import (
	"crmsync/internal/engine/crm"
	"crmsync/internal/engine/queue"
)

// PipelineTracker reports the CRM pipeline this service owns.
type PipelineTracker interface {
	CategoryID() (int64, bool)
}

// Tracked reports whether an event belongs to the tracked pipeline. Deal
// events without a CATEGORY_ID are let through and re-checked by the worker;
// so is everything while the pipeline is still unresolved.
func Tracked(ev *Event, tracker PipelineTracker) bool {
	if ev.EntityType != queue.EntityDeal || tracker == nil {
		return true
	}
	categoryID, ok := tracker.CategoryID()
	if !ok {
		return true
	}
	raw, present := ev.Data["CATEGORY_ID"]
	if !present || raw == nil {
		return true
	}
	id, ok := crm.ParseID(raw)
	if !ok {
		return true
	}
	return id == categoryID
}
