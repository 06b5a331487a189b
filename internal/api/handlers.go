package api

import (
	"entitlement-api/internal/database"
	"entitlement-api/internal/queue"
	"entitlement-api/internal/services"
)

// Handlers bundles the HTTP layer's dependencies. Constructed once at
// process start; no ambient globals.
type Handlers struct {
	store      *database.Store
	queue      *queue.Queue
	processor  *services.Processor
	credits    *services.CreditService
	reconciler *services.Reconciler
	dedupe     *services.NotificationDedupe
	signature  *services.SignatureVerifier
}

// NewHandlers creates the handler set
func NewHandlers(store *database.Store, q *queue.Queue, processor *services.Processor, credits *services.CreditService, reconciler *services.Reconciler, dedupe *services.NotificationDedupe) *Handlers {
	return &Handlers{
		store:      store,
		queue:      q,
		processor:  processor,
		credits:    credits,
		reconciler: reconciler,
		dedupe:     dedupe,
		signature:  services.NewSignatureVerifier(),
	}
}
