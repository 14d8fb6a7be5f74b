package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type Handlers struct {
	deps *Dependencies
}

// NewHandlers creates a new handlers instance with injected dependencies
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		deps: deps,
	}
}

// guildParam reads a numeric guild ID from the route, answering 400 otherwise
func guildParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	guildID := chi.URLParam(r, "guildID")
	if _, err := strconv.ParseUint(guildID, 10, 64); err != nil {
		respondWithError(w, http.StatusBadRequest, "guildID must be a numeric ID")
		return "", false
	}
	return guildID, true
}
