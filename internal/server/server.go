// Package server exposes the sync backend over HTTP: entity snapshots, client
// batches, quiet server patches, provisioning and deletion. Routing and
// framing only; all merge and versioning semantics live in the entity and
// ledger packages.
package server

import (
	"net/http"
	"time"

	"github.com/congsync/congsync/internal/registry"
)

// Config carries the server's tunables.
type Config struct {
	// JWTSecret verifies Bearer tokens. Empty disables authentication.
	JWTSecret []byte
	// RateLimit is the per-IP requests-per-minute budget. 0 disables limiting.
	RateLimit int
}

// New creates the HTTP handler for the sync API.
func New(reg *registry.Registry, cfg Config) http.Handler {
	h := &handler{reg: reg}
	entities := &http.ServeMux{}
	entities.Handle("POST /api/{kind}", Wrap(h.provision))
	entities.Handle("GET /api/{kind}/{id}", Wrap(h.getEntity))
	entities.Handle("DELETE /api/{kind}/{id}", Wrap(h.deleteEntity))
	entities.Handle("GET /api/{kind}/{id}/mutations", Wrap(h.getMutations))
	entities.Handle("POST /api/{kind}/{id}/batch", Wrap(h.applyBatch))
	entities.Handle("PATCH /api/{kind}/{id}/{scope}", Wrap(h.applyServerPatch))

	// Health and schema stay unauthenticated.
	mux := &http.ServeMux{}
	mux.Handle("GET /api/health", Wrap(h.health))
	mux.Handle("GET /api/schema", Wrap(h.schema))
	mux.Handle("/api/", requireAuth(cfg.JWTSecret, entities))

	var root http.Handler = mux
	if cfg.RateLimit > 0 {
		root = rateLimit(newLimiter(cfg.RateLimit, time.Minute, cfg.RateLimit), root)
	}
	return root
}
