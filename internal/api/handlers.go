package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/defstore-io/defstore/internal/definition"
	"github.com/defstore-io/defstore/internal/httputil"
	"github.com/defstore-io/defstore/internal/storage"
	"github.com/defstore-io/defstore/internal/storage/pool"
)

const maxDocumentBytes = 1 << 20 // 1MiB

// revisionView is the wire shape of one history entry.
type revisionView struct {
	Version        int             `json:"version"`
	LastModifiedAt int64           `json:"lastModifiedAt"`
	Deleted        bool            `json:"deleted"`
	Definition     json.RawMessage `json:"definition,omitempty"`
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	def, err := s.store.GetByName(r.Context(), s.pool(r), name)
	if err != nil {
		s.storeError(w, "get definition", err)
		return
	}
	if def == nil {
		httputil.NotFound(w, "definition not found")
		return
	}

	body, _, err := s.codec.Encode(def)
	if err != nil {
		s.log.WithError(err).Error("failed to encode definition response")
		httputil.InternalError(w, "failed to encode definition")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, json.RawMessage(body))
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	defType := strings.TrimSpace(r.URL.Query().Get("type"))
	if defType == "" {
		httputil.BadRequest(w, "type query parameter is required")
		return
	}

	var (
		defs []definition.Definition
		err  error
	)
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		limit, convErr := strconv.Atoi(rawLimit)
		if convErr != nil || limit <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		defs, err = s.store.ListByTypePage(r.Context(), s.pool(r), defType, limit, r.URL.Query().Get("start"))
	} else {
		defs, err = s.store.ListByType(r.Context(), s.pool(r), defType)
	}
	if err != nil {
		s.storeError(w, "list definitions", err)
		return
	}

	items := make([]json.RawMessage, 0, len(defs))
	for _, def := range defs {
		body, _, encErr := s.codec.Encode(def)
		if encErr != nil {
			s.log.WithError(encErr).Error("failed to encode definition response")
			continue
		}
		items = append(items, json.RawMessage(body))
	}
	httputil.WriteJSON(w, http.StatusOK, items)
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	def, ok := s.decodeDocument(w, r)
	if !ok {
		return
	}

	if err := s.store.Create(r.Context(), s.pool(r), def); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			httputil.Conflict(w, err.Error())
			return
		}
		s.storeError(w, "create definition", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"name": def.DefinitionName()})
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	def, ok := s.decodeDocument(w, r)
	if !ok {
		return
	}
	if def.DefinitionName() != name {
		httputil.BadRequest(w, "definition name does not match URL")
		return
	}

	if err := s.store.Update(r.Context(), s.pool(r), def); err != nil {
		s.storeError(w, "update definition", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"name": name})
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := s.store.Delete(r.Context(), s.pool(r), name); err != nil {
		s.storeError(w, "delete definition", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	revisions, err := s.store.RevisionHistory(r.Context(), s.pool(r), name)
	if err != nil {
		s.storeError(w, "load revision history", err)
		return
	}

	views := make([]revisionView, 0, len(revisions))
	for _, rev := range revisions {
		view := revisionView{
			Version:        rev.Version,
			LastModifiedAt: rev.LastModifiedAt,
			Deleted:        rev.Deleted,
		}
		if rev.Definition != nil {
			body, _, encErr := s.codec.Encode(rev.Definition)
			if encErr != nil {
				// Dropping the body here would make a live revision look
				// like a tombstone to the caller.
				s.log.WithError(encErr).Error("failed to encode revision")
				httputil.InternalError(w, "failed to encode revision history")
				return
			}
			view.Definition = body
		}
		views = append(views, view)
	}
	httputil.WriteJSON(w, http.StatusOK, views)
}

// decodeDocument reads a definition envelope from the request body without
// resolving secret references, so stored documents keep the references the
// caller submitted.
func (s *Service) decodeDocument(w http.ResponseWriter, r *http.Request) (definition.Definition, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		httputil.BadRequest(w, "failed to read request body")
		return nil, false
	}

	def, err := s.codec.Unmarshal(body)
	if err != nil {
		var unknown *definition.UnknownKindError
		if errors.As(err, &unknown) {
			httputil.BadRequest(w, unknown.Error())
			return nil, false
		}
		httputil.BadRequest(w, "invalid definition document")
		return nil, false
	}
	if strings.TrimSpace(def.DefinitionName()) == "" {
		httputil.BadRequest(w, "definition name is required")
		return nil, false
	}
	return def, true
}

func (s *Service) storeError(w http.ResponseWriter, action string, err error) {
	if errors.Is(err, pool.ErrUnknownPool) {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.log.WithError(err).Errorf("failed to %s", action)
	httputil.InternalError(w, "storage failure")
}
