package server

import (
	"fmt"
	"net/http"

	"github.com/invopop/jsonschema"

	"github.com/congsync/congsync/internal/registry"
)

type handler struct {
	reg *registry.Registry
}

func (h *handler) health(r *http.Request) (any, error) {
	return OkResponse{Ok: true}, nil
}

// schema describes the batch request wire format as JSON Schema, so clients
// can validate payloads without reading the source.
func (h *handler) schema(r *http.Request) (any, error) {
	reflector := jsonschema.Reflector{}
	return reflector.Reflect(&BatchRequest{}), nil
}

func (h *handler) provision(r *http.Request) (any, error) {
	agg, err := h.reg.Provision(r.Context(), r.PathValue("kind"))
	if err != nil {
		return nil, err
	}
	return ProvisionResponse{Kind: agg.Kind(), ID: agg.ID(), Etag: agg.Etag()}, nil
}

func (h *handler) getEntity(r *http.Request) (any, error) {
	agg, err := h.reg.Get(r.Context(), r.PathValue("kind"), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	scopes, etag := agg.Snapshot(r.Context())
	return EntityResponse{Kind: agg.Kind(), ID: agg.ID(), Etag: etag, Scopes: scopes}, nil
}

func (h *handler) deleteEntity(r *http.Request) (any, error) {
	if err := h.reg.Delete(r.Context(), r.PathValue("kind"), r.PathValue("id")); err != nil {
		return nil, err
	}
	return OkResponse{Ok: true}, nil
}

func (h *handler) getMutations(r *http.Request) (any, error) {
	agg, err := h.reg.Get(r.Context(), r.PathValue("kind"), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	entries, err := agg.Mutations(r.Context())
	if err != nil {
		return nil, err
	}
	return MutationsResponse{Entries: entries}, nil
}

func (h *handler) applyBatch(r *http.Request) (any, error) {
	agg, err := h.reg.Get(r.Context(), r.PathValue("kind"), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	var req BatchRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := agg.ApplyBatchedChanges(r.Context(), req.Changes); err != nil {
		return nil, err
	}
	return BatchResponse{Etag: agg.Etag()}, nil
}

func (h *handler) applyServerPatch(r *http.Request) (any, error) {
	agg, err := h.reg.Get(r.Context(), r.PathValue("kind"), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	var patch map[string]any
	if err := decodeJSON(r, &patch); err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return nil, fmt.Errorf("%w: empty patch", errBadRequest)
	}
	if err := agg.ApplyServerPatch(r.Context(), r.PathValue("scope"), patch); err != nil {
		return nil, err
	}
	return OkResponse{Ok: true}, nil
}
