package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/erazemk/najdeno/internal/codec"
	"github.com/erazemk/najdeno/internal/directory"
	"github.com/erazemk/najdeno/internal/model"
	"github.com/erazemk/najdeno/internal/mutate"
)

const maxUploadBytes = 5 << 20

// ItemsHandler serves the item directory. Reads come straight from the
// cache snapshot; writes go through the mutation coordinator.
type ItemsHandler struct {
	Dir *directory.Cache
	Mut *mutate.Coordinator
}

// List handles GET /api/items with optional ?filter= and ?q=.
func (h *ItemsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := directory.FilterAll
	if raw := r.URL.Query().Get("filter"); raw != "" {
		f, err := directory.ParseFilter(raw)
		if err != nil {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = f
	}

	items := directory.Search(h.Dir.Snapshot(), filter, r.URL.Query().Get("q"))
	if items == nil {
		items = []model.Item{}
	}
	jsonResponse(w, http.StatusOK, items)
}

// Mine handles GET /api/items/mine: the caller's unclaimed reports.
func (h *ItemsHandler) Mine(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	items := directory.OwnedActiveView(h.Dir.Snapshot(), claims.UserID)
	if items == nil {
		items = []model.Item{}
	}
	jsonResponse(w, http.StatusOK, items)
}

// Archived handles GET /api/items/archived: the caller's claimed reports.
func (h *ItemsHandler) Archived(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	items := directory.ArchivedView(h.Dir.Snapshot(), claims.UserID)
	if items == nil {
		items = []model.Item{}
	}
	jsonResponse(w, http.StatusOK, items)
}

// Get handles GET /api/items/{id}.
func (h *ItemsHandler) Get(w http.ResponseWriter, r *http.Request) {
	item, ok := h.Dir.Get(r.PathValue("id"))
	if !ok {
		jsonError(w, http.StatusNotFound, "item not found")
		return
	}
	jsonResponse(w, http.StatusOK, item)
}

// Photo handles GET /api/items/{id}/photo, serving the stored photo as
// raw JPEG. A bare-URL photo redirects to wherever it points.
func (h *ItemsHandler) Photo(w http.ResponseWriter, r *http.Request) {
	item, ok := h.Dir.Get(r.PathValue("id"))
	if !ok {
		jsonError(w, http.StatusNotFound, "item not found")
		return
	}
	if item.Photo == "" {
		jsonError(w, http.StatusNotFound, "no photo")
		return
	}
	if !codec.IsDataURI(item.Photo) {
		http.Redirect(w, r, item.Photo, http.StatusFound)
		return
	}

	data, err := codec.DecodePhoto(item.Photo)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to decode photo")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

// Create handles POST /api/items.
func (h *ItemsHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	draft, photo, cleanup, ok := h.readItemPayload(w, r)
	if !ok {
		return
	}
	defer cleanup()

	draft.ID = ""
	draft.OwnerID = claims.UserID
	if draft.Status == "" {
		draft.Status = model.StatusLost
	}

	ch, err := h.Mut.Create(r.Context(), draft, photo)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	h.awaitResult(w, ch, http.StatusCreated)
}

// Update handles PUT /api/items/{id}. Only the owner may edit a report.
func (h *ItemsHandler) Update(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	existing, found := h.Dir.Get(r.PathValue("id"))
	if !found {
		jsonError(w, http.StatusNotFound, "item not found")
		return
	}
	if existing.OwnerID != claims.UserID {
		jsonError(w, http.StatusForbidden, "not the owner of this report")
		return
	}

	item, photo, cleanup, ok := h.readItemPayload(w, r)
	if !ok {
		return
	}
	defer cleanup()

	item.ID = existing.ID
	item.OwnerID = existing.OwnerID
	item.CreatedAt = existing.CreatedAt
	if item.Status == "" {
		item.Status = existing.Status
	}
	if item.Photo == "" && photo == nil {
		item.Photo = existing.Photo
	}

	ch, err := h.Mut.Update(r.Context(), item, photo)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	h.awaitResult(w, ch, http.StatusOK)
}

// AdvanceStatus handles POST /api/items/{id}/status. The lifecycle only
// moves forward one step at a time; the request carries no body.
func (h *ItemsHandler) AdvanceStatus(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	existing, found := h.Dir.Get(r.PathValue("id"))
	if !found {
		jsonError(w, http.StatusNotFound, "item not found")
		return
	}
	if existing.OwnerID != claims.UserID {
		jsonError(w, http.StatusForbidden, "not the owner of this report")
		return
	}

	ch, err := h.Mut.TransitionStatus(r.Context(), existing.ID, existing.Status)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	h.awaitResult(w, ch, http.StatusOK)
}

// Delete handles DELETE /api/items/{id}.
func (h *ItemsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	existing, found := h.Dir.Get(r.PathValue("id"))
	if !found {
		jsonError(w, http.StatusNotFound, "item not found")
		return
	}
	if existing.OwnerID != claims.UserID {
		jsonError(w, http.StatusForbidden, "not the owner of this report")
		return
	}

	ch, err := h.Mut.Delete(r.Context(), existing.ID)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	h.awaitResult(w, ch, http.StatusOK)
}

// readItemPayload accepts either a plain JSON body or a multipart form
// with a JSON `item` part and an optional `photo` file. The returned
// cleanup closes the photo file when one was opened.
func (h *ItemsHandler) readItemPayload(w http.ResponseWriter, r *http.Request) (model.Item, io.Reader, func(), bool) {
	noop := func() {}

	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		var item model.Item
		if err := decodeJSON(r, &item); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid request body")
			return model.Item{}, nil, noop, false
		}
		return item, nil, noop, true
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		jsonError(w, http.StatusBadRequest, "file too large or invalid multipart form")
		return model.Item{}, nil, noop, false
	}

	var item model.Item
	if err := json.Unmarshal([]byte(r.FormValue("item")), &item); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid item part")
		return model.Item{}, nil, noop, false
	}

	file, _, err := r.FormFile("photo")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return item, nil, noop, true
		}
		jsonError(w, http.StatusBadRequest, "invalid photo part")
		return model.Item{}, nil, noop, false
	}
	return item, file, func() { file.Close() }, true
}

// awaitResult blocks on the coordinator's resolution, which the safety
// deadline bounds, and maps it onto the response.
func (h *ItemsHandler) awaitResult(w http.ResponseWriter, ch <-chan mutate.Result, okStatus int) {
	res := <-ch
	if res.Err != nil {
		var mErr *mutate.MutationError
		if errors.As(res.Err, &mErr) {
			jsonError(w, http.StatusBadGateway, mErr.Error())
			return
		}
		jsonError(w, http.StatusInternalServerError, res.Err.Error())
		return
	}

	body := map[string]any{}
	if res.Item.ID != "" {
		body["item"] = res.Item
	}
	if res.Status != "" {
		body["status"] = res.Status
	}
	if res.TimedOut {
		// The backend has not confirmed yet; report optimistically.
		body["pending"] = true
		jsonResponse(w, http.StatusAccepted, body)
		return
	}
	jsonResponse(w, okStatus, body)
}

// writeMutationError maps the coordinator's synchronous error taxonomy
// onto HTTP status codes.
func writeMutationError(w http.ResponseWriter, err error) {
	var vErr *mutate.ValidationError
	switch {
	case errors.As(err, &vErr):
		jsonError(w, http.StatusBadRequest, vErr.Error())
	case errors.Is(err, mutate.ErrMutationInFlight):
		jsonError(w, http.StatusConflict, "a mutation of this kind is already in flight")
	case errors.Is(err, model.ErrNoValidTransition):
		jsonError(w, http.StatusConflict, "item status is terminal")
	default:
		jsonError(w, http.StatusInternalServerError, err.Error())
	}
}
