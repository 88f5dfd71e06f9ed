package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/oakmund/strider/internal"
)

type modelListResponse struct {
	Object string               `json:"object"`
	Data   []gateway.ModelEntry `json:"data"`
}

// handleListModels returns the union of upstream catalogs across the
// caller's configured providers.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	key := gateway.KeyFromContext(r.Context())
	models, err := s.deps.Models.List(r.Context(), key.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if models == nil {
		models = []gateway.ModelEntry{}
	}
	writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: models})
}

// handleGetModel looks one model up across its routing candidates. The
// wildcard keeps slash-form OpenRouter names ("org/model") addressable.
func (s *server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "*")
	key := gateway.KeyFromContext(r.Context())
	entry, err := s.deps.Models.Get(r.Context(), key.UserID, model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
