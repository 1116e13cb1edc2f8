package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nexuscore/nexusd/pkg/controlplane/manager"
	"github.com/nexuscore/nexusd/pkg/nexus"
)

// NexusHandler serves the /api/v1/nexuses resource tree.
type NexusHandler struct {
	mgr *manager.Manager
}

// NewNexusHandler constructs a NexusHandler over mgr.
func NewNexusHandler(mgr *manager.Manager) *NexusHandler {
	return &NexusHandler{mgr: mgr}
}

// createRequest is the POST /api/v1/nexuses body.
type createRequest struct {
	Name              string   `json:"name"`
	UUID              string   `json:"uuid"`
	SizeBytes         uint64   `json:"size_bytes"`
	ChildURIs         []string `json:"child_uris"`
	ReservationKey    uint64   `json:"reservation_key"`
	PreemptKey        uint64   `json:"preempt_key"`
	ControllerIDStart uint16   `json:"controller_id_start"`
	ControllerIDEnd   uint16   `json:"controller_id_end"`
	DataOffsetBlocks  uint64   `json:"data_offset_blocks"`
}

// Create handles POST /api/v1/nexuses.
func (h *NexusHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body: "+err.Error())
		return
	}

	n, err := h.mgr.Create(r.Context(), manager.CreateParams{
		Name:      req.Name,
		UUID:      req.UUID,
		SizeBytes: req.SizeBytes,
		ChildURIs: req.ChildURIs,
		NvmeParams: nexus.NvmeParams{
			ControllerIDStart: req.ControllerIDStart,
			ControllerIDEnd:   req.ControllerIDEnd,
			ReservationKey:    req.ReservationKey,
			PreemptKey:        req.PreemptKey,
			ReservationType:   nexus.ReservationWriteExclusiveAllRegs,
		},
		DataOffsetBlocks: req.DataOffsetBlocks,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONCreated(w, n.View())
}

// List handles GET /api/v1/nexuses.
func (h *NexusHandler) List(w http.ResponseWriter, r *http.Request) {
	names := h.mgr.List()
	views := make([]nexus.NexusView, 0, len(names))
	for _, name := range names {
		n, err := h.mgr.Lookup(name)
		if err != nil {
			continue
		}
		views = append(views, n.View())
	}
	WriteJSONOK(w, views)
}

func (h *NexusHandler) lookup(w http.ResponseWriter, r *http.Request) *nexus.Nexus {
	name := chi.URLParam(r, "name")
	n, err := h.mgr.Lookup(name)
	if err != nil {
		WriteError(w, err)
		return nil
	}
	return n
}

// Get handles GET /api/v1/nexuses/{name}.
func (h *NexusHandler) Get(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	WriteJSONOK(w, n.View())
}

// Destroy handles DELETE /api/v1/nexuses/{name}.
func (h *NexusHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.mgr.Destroy(r.Context(), name); err != nil {
		WriteError(w, err)
		return
	}
	WriteNoContent(w)
}

// Shutdown handles POST /api/v1/nexuses/{name}/shutdown.
func (h *NexusHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	if err := n.Shutdown(r.Context()); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONOK(w, n.View())
}

type addChildRequest struct {
	URI       string `json:"uri"`
	NoRebuild bool   `json:"no_rebuild"`
}

// AddChild handles POST /api/v1/nexuses/{name}/children.
func (h *NexusHandler) AddChild(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	var req addChildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body: "+err.Error())
		return
	}
	if err := n.AddChild(r.Context(), req.URI, req.NoRebuild); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONOK(w, n.View())
}

// RemoveChild handles DELETE /api/v1/nexuses/{name}/children?uri=....
func (h *NexusHandler) RemoveChild(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		WriteProblem(w, http.StatusBadRequest, "Bad Request", "uri query parameter required")
		return
	}
	if err := n.RemoveChild(r.Context(), uri); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONOK(w, n.View())
}

// OfflineChild handles POST /api/v1/nexuses/{name}/children/offline?uri=....
func (h *NexusHandler) OfflineChild(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	uri := r.URL.Query().Get("uri")
	if err := n.OfflineChild(r.Context(), uri); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONOK(w, n.View())
}

// OnlineChild handles POST /api/v1/nexuses/{name}/children/online?uri=....
func (h *NexusHandler) OnlineChild(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	uri := r.URL.Query().Get("uri")
	if err := n.OnlineChild(r.Context(), uri); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONOK(w, n.View())
}

// FaultChild handles POST /api/v1/nexuses/{name}/children/fault?uri=....
// The fault is always recorded as FaultByClient: this is the only fault
// reason an external caller, rather than the I/O path, can originate.
func (h *NexusHandler) FaultChild(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	uri := r.URL.Query().Get("uri")
	if err := n.FaultChild(r.Context(), uri, nexus.FaultByClient); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONOK(w, n.View())
}

type publishRequest struct {
	Key          []byte   `json:"key"`
	AllowedHosts []string `json:"allowed_hosts"`
}

// Publish handles POST /api/v1/nexuses/{name}/publish.
func (h *NexusHandler) Publish(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	var req publishRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body: "+err.Error())
			return
		}
	}
	uri, err := n.Publish(r.Context(), nexus.ShareNvmf, req.Key, req.AllowedHosts)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONOK(w, map[string]string{"uri": uri})
}

// Unpublish handles POST /api/v1/nexuses/{name}/unpublish.
func (h *NexusHandler) Unpublish(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	if err := n.Unpublish(r.Context()); err != nil {
		WriteError(w, err)
		return
	}
	WriteNoContent(w)
}

// GetAnaState handles GET /api/v1/nexuses/{name}/ana.
func (h *NexusHandler) GetAnaState(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	state, err := n.GetAnaState()
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONOK(w, map[string]int{"ana_state": int(state)})
}

type setAnaStateRequest struct {
	AnaState nexus.AnaState `json:"ana_state"`
}

// SetAnaState handles PUT /api/v1/nexuses/{name}/ana.
func (h *NexusHandler) SetAnaState(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	var req setAnaStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body: "+err.Error())
		return
	}
	if err := n.SetAnaState(r.Context(), req.AnaState); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONOK(w, n.View())
}

// StartRebuild handles POST /api/v1/nexuses/{name}/rebuilds/start?uri=....
func (h *NexusHandler) StartRebuild(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	uri := r.URL.Query().Get("uri")
	if err := n.StartRebuild(r.Context(), uri); err != nil {
		WriteError(w, err)
		return
	}
	WriteNoContent(w)
}

// StopRebuild handles POST /api/v1/nexuses/{name}/rebuilds/stop?uri=....
func (h *NexusHandler) StopRebuild(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	uri := r.URL.Query().Get("uri")
	if err := n.StopRebuild(r.Context(), uri); err != nil {
		WriteError(w, err)
		return
	}
	WriteNoContent(w)
}

// PauseRebuild handles POST /api/v1/nexuses/{name}/rebuilds/pause?uri=....
func (h *NexusHandler) PauseRebuild(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	uri := r.URL.Query().Get("uri")
	if err := n.PauseRebuild(r.Context(), uri); err != nil {
		WriteError(w, err)
		return
	}
	WriteNoContent(w)
}

// ResumeRebuild handles POST /api/v1/nexuses/{name}/rebuilds/resume?uri=....
func (h *NexusHandler) ResumeRebuild(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	uri := r.URL.Query().Get("uri")
	if err := n.ResumeRebuild(r.Context(), uri); err != nil {
		WriteError(w, err)
		return
	}
	WriteNoContent(w)
}

// RebuildStatus handles GET /api/v1/nexuses/{name}/rebuilds?uri=....
func (h *NexusHandler) RebuildStatus(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	uri := r.URL.Query().Get("uri")
	state, err := n.RebuildState(uri)
	if err != nil {
		WriteError(w, err)
		return
	}
	total, recovered, progress, err := n.RebuildStats(uri)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONOK(w, map[string]any{
		"state":            state.String(),
		"blocks_total":     total,
		"blocks_recovered": recovered,
		"progress":         progress,
	})
}

type snapshotRequest struct {
	Name        string                    `json:"name"`
	Descriptors []nexus.SnapshotDescriptor `json:"descriptors"`
}

// CreateSnapshot handles POST /api/v1/nexuses/{name}/snapshot.
func (h *NexusHandler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	n := h.lookup(w, r)
	if n == nil {
		return
	}
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body: "+err.Error())
		return
	}
	if err := n.CreateSnapshot(r.Context(), nexus.SnapshotParams{Name: req.Name}, req.Descriptors); err != nil {
		WriteError(w, err)
		return
	}
	WriteNoContent(w)
}
