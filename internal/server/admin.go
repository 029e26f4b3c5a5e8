package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type createKeyRequest struct {
	Owner       string   `json:"owner"`
	Permissions []string `json:"permissions,omitempty"`
}

func (a *API) handleAdminCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	for _, perm := range req.Permissions {
		switch perm {
		case PermOptimize, PermChat, PermWallet, PermAnalytics:
		default:
			writeFailure(w, http.StatusBadRequest, "unknown permission: "+perm)
			return
		}
	}
	issued, err := a.keys.Issue(req.Owner, req.Permissions)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	view := issued.Record.View()
	// The plaintext key appears exactly once, in this response.
	view["api_key"] = issued.Token
	writeSuccess(w, http.StatusCreated, view)
}

func (a *API) handleAdminListKeys(w http.ResponseWriter, r *http.Request) {
	records := a.store.ListKeys()
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.View())
	}
	writeSuccess(w, http.StatusOK, map[string]any{"keys": out})
}

func (a *API) handleAdminDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeFailure(w, http.StatusBadRequest, "missing key id")
		return
	}
	if err := a.store.DeleteKey(id); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			writeFailure(w, http.StatusNotFound, "key not found")
			return
		}
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"deleted": id})
}

func (a *API) handleAdminKeyRequests(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeFailure(w, http.StatusBadRequest, "missing key id")
		return
	}
	rec, ok := a.store.GetKey(id)
	if !ok {
		writeFailure(w, http.StatusNotFound, "key not found")
		return
	}
	requests := rec.Requests
	if requests == nil {
		requests = []RequestLogEntry{}
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"id":       rec.ID,
		"requests": requests,
	})
}

func (a *API) handleAdminOverview(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, a.store.Overview())
}
