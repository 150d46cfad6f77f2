// Package fetchapi is the thin control-plane HTTP surface for a running
// *fetch.FetchEngine: status, priority/desired updates, cancellation, and a
// health summary (spec SPEC_FULL §4/§6.6). It is not the spec's HTTP
// transport collaborator -- that fetches asset bytes from remote
// services -- this is purely operational, the way node/api/renter.go
// exposes a running renter to siac and the web UI.
package fetchapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/NebulousLabs/texturefetch/pkg/assetid"
	"github.com/NebulousLabs/texturefetch/pkg/fetch"
)

// Error is the JSON body written on any non-2xx response, matching the
// flat {"message": "..."} shape node/api/renter.go's handlers write via
// their own Error type.
type Error struct {
	Message string `json:"message"`
}

// WriteJSON writes obj as the response body with a 200 status and the
// application/json content type.
func WriteJSON(w http.ResponseWriter, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		return
	}
}

// WriteError writes an Error body with the given status code.
func WriteError(w http.ResponseWriter, err Error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if encErr := json.NewEncoder(w).Encode(err); encErr != nil {
		return
	}
}

// WriteSuccess writes an empty 204, used by handlers with nothing to
// report beyond "the request was accepted".
func WriteSuccess(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// API wraps a *fetch.FetchEngine with an httprouter.Router exposing the
// control-plane endpoints listed in spec SPEC_FULL §4.
type API struct {
	engine *fetch.FetchEngine
	router *httprouter.Router
}

// New builds an API bound to engine, with routes registered.
func New(engine *fetch.FetchEngine) *API {
	a := &API{engine: engine, router: httprouter.New()}
	a.router.GET("/healthz", a.healthzHandlerGET)
	a.router.GET("/assets/:id", a.assetHandlerGET)
	a.router.POST("/assets/:id/priority", a.assetPriorityHandlerPOST)
	a.router.POST("/assets/:id/desired", a.assetDesiredHandlerPOST)
	a.router.POST("/assets/:id/cancel", a.assetCancelHandlerPOST)
	return a
}

// ServeHTTP implements http.Handler by delegating to the router.
func (a *API) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	a.router.ServeHTTP(w, req)
}

func parseAssetID(ps httprouter.Params) (assetid.AssetId, error) {
	return assetid.Parse(ps.ByName("id"))
}

// HealthzGET is the response body for GET /healthz.
type HealthzGET struct {
	WorkerCount     int                     `json:"workercount"`
	TotalQueued     int64                   `json:"totalqueued"`
	TotalActive     int64                   `json:"totalactive"`
	TotalHTTPBytes  uint64                  `json:"totalhttpbytes"`
	BlacklistedHost []fetch.BlacklistRecord `json:"blacklistedhosts"`
}

func (a *API) healthzHandlerGET(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	workerCount, queued, active, httpBytes := a.engine.Snapshot()
	WriteJSON(w, HealthzGET{
		WorkerCount:     workerCount,
		TotalQueued:     queued,
		TotalActive:     active,
		TotalHTTPBytes:  httpBytes,
		BlacklistedHost: a.engine.Blacklist().Records(),
	})
}

// AssetGET is the response body for GET /assets/:id.
type AssetGET struct {
	ID       string  `json:"id"`
	State    string  `json:"state"`
	Priority float32 `json:"priority"`
}

func (a *API) assetHandlerGET(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id, err := parseAssetID(ps)
	if err != nil {
		WriteError(w, Error{err.Error()}, http.StatusBadRequest)
		return
	}
	state, priority, ok := a.engine.WorkerStatus(id)
	if !ok {
		WriteError(w, Error{"no worker for asset id"}, http.StatusNotFound)
		return
	}
	WriteJSON(w, AssetGET{ID: id.String(), State: state, Priority: priority})
}

func (a *API) assetPriorityHandlerPOST(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id, err := parseAssetID(ps)
	if err != nil {
		WriteError(w, Error{err.Error()}, http.StatusBadRequest)
		return
	}
	p, err := strconv.ParseFloat(req.FormValue("priority"), 32)
	if err != nil {
		WriteError(w, Error{"unable to parse priority"}, http.StatusBadRequest)
		return
	}
	a.engine.UpdatePriority(id, float32(p))
	WriteSuccess(w)
}

func (a *API) assetDesiredHandlerPOST(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id, err := parseAssetID(ps)
	if err != nil {
		WriteError(w, Error{err.Error()}, http.StatusBadRequest)
		return
	}
	discard, err := strconv.Atoi(req.FormValue("discard"))
	if err != nil {
		WriteError(w, Error{"unable to parse discard"}, http.StatusBadRequest)
		return
	}
	size, err := strconv.ParseUint(req.FormValue("size"), 10, 64)
	if err != nil {
		WriteError(w, Error{"unable to parse size"}, http.StatusBadRequest)
		return
	}
	a.engine.UpdateDesired(id, discard, size)
	WriteSuccess(w)
}

func (a *API) assetCancelHandlerPOST(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id, err := parseAssetID(ps)
	if err != nil {
		WriteError(w, Error{err.Error()}, http.StatusBadRequest)
		return
	}
	a.engine.DeleteRequest(id, true)
	WriteSuccess(w)
}
