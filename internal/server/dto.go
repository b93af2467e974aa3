package server

import (
	"github.com/congsync/congsync/internal/ledger"
)

// BatchRequest is a client batch: a list of scope patches applied together,
// producing at most one ETag bump and one mutation-log entry.
type BatchRequest struct {
	Changes []ledger.Change `json:"changes" jsonschema:"description=Scope patches to apply as one batch"`
}

// BatchResponse reports the entity version after a batch.
type BatchResponse struct {
	Etag string `json:"etag" jsonschema:"description=Entity ETag after the batch"`
}

// EntityResponse is a full entity snapshot.
type EntityResponse struct {
	Kind   string         `json:"kind"`
	ID     string         `json:"id"`
	Etag   string         `json:"etag"`
	Scopes map[string]any `json:"scopes"`
}

// ProvisionResponse is returned when a new entity is created.
type ProvisionResponse struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Etag string `json:"etag"`
}

// MutationsResponse is the entity's retained mutation history.
type MutationsResponse struct {
	Entries []ledger.Entry `json:"entries"`
}

// OkResponse is a simple success response.
type OkResponse struct {
	Ok bool `json:"ok"`
}

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
}
