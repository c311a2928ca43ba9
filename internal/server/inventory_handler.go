package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/server/middleware"
	"github.com/aggiestack/aggiestack/internal/services"
	"github.com/aggiestack/aggiestack/internal/services/events"
	"github.com/aggiestack/aggiestack/internal/services/hardware"
)

// InventoryHandler provides the REST API over the control plane services.
type InventoryHandler struct {
	services *services.Registry
	logger   *zap.Logger
}

// NewInventoryHandler creates a new inventory REST handler.
func NewInventoryHandler(reg *services.Registry, logger *zap.Logger) *InventoryHandler {
	return &InventoryHandler{
		services: reg,
		logger:   logger.Named("inventory-rest"),
	}
}

// Register adds the REST routes to mux.
// Routes:
//   - GET    /api/flavors, POST /api/flavors - list, import
//   - GET    /api/images,  POST /api/images  - list, import
//   - POST   /api/hardware - import racks and servers
//   - GET    /api/racks
//   - GET    /api/racks/{name}/imagecache - admin
//   - POST   /api/racks/{name}/evacuate - admin
//   - GET    /api/servers, POST /api/servers (admin add)
//   - GET    /api/servers/{name}, DELETE /api/servers/{name} (admin remove)
//   - GET    /api/instances, POST /api/instances
//   - GET    /api/instances/{name}, DELETE /api/instances/{name}
//   - GET    /api/placement/best-fit?flavor=F&racks=a,b
//   - GET    /api/placement/can-host?server=S&flavor=F - admin
//   - GET    /api/events?kind=K&name=N - server-sent events
func (h *InventoryHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/flavors", h.listFlavors)
	mux.HandleFunc("POST /api/flavors", h.importFlavors)
	mux.HandleFunc("GET /api/flavors/{name}", h.getFlavor)
	mux.HandleFunc("GET /api/images", h.listImages)
	mux.HandleFunc("POST /api/images", h.importImages)
	mux.HandleFunc("GET /api/images/{name}", h.getImage)
	mux.HandleFunc("POST /api/hardware", h.importHardware)

	mux.HandleFunc("GET /api/racks", h.listRacks)
	mux.HandleFunc("GET /api/racks/{name}/imagecache", h.rackImageCache)
	mux.HandleFunc("POST /api/racks/{name}/evacuate", h.evacuateRack)

	mux.HandleFunc("GET /api/servers", h.listServers)
	mux.HandleFunc("POST /api/servers", h.addServer)
	mux.HandleFunc("GET /api/servers/{name}", h.getServer)
	mux.HandleFunc("DELETE /api/servers/{name}", h.removeServer)

	mux.HandleFunc("GET /api/instances", h.listInstances)
	mux.HandleFunc("POST /api/instances", h.createInstance)
	mux.HandleFunc("GET /api/instances/{name}", h.getInstance)
	mux.HandleFunc("DELETE /api/instances/{name}", h.deleteInstance)

	mux.HandleFunc("GET /api/placement/best-fit", h.bestFit)
	mux.HandleFunc("GET /api/placement/can-host", h.canHost)

	mux.HandleFunc("GET /api/events", h.streamEvents)
}

// =============================================================================
// Catalog
// =============================================================================

func (h *InventoryHandler) listFlavors(w http.ResponseWriter, r *http.Request) {
	flavors, err := h.services.Catalog.ListFlavors(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flavors": flavors})
}

func (h *InventoryHandler) getFlavor(w http.ResponseWriter, r *http.Request) {
	flavor, err := h.services.Catalog.GetFlavor(r.Context(), r.PathValue("name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flavor)
}

func (h *InventoryHandler) importFlavors(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Flavors []*domain.Flavor `json:"flavors"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.services.Catalog.ImportFlavors(r.Context(), req.Flavors); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": len(req.Flavors)})
}

func (h *InventoryHandler) listImages(w http.ResponseWriter, r *http.Request) {
	images, err := h.services.Catalog.ListImages(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": images})
}

func (h *InventoryHandler) getImage(w http.ResponseWriter, r *http.Request) {
	img, err := h.services.Catalog.GetImage(r.Context(), r.PathValue("name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (h *InventoryHandler) importImages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Images []*domain.Image `json:"images"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.services.Catalog.ImportImages(r.Context(), req.Images); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": len(req.Images)})
}

// =============================================================================
// Hardware
// =============================================================================

func (h *InventoryHandler) importHardware(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Racks   []hardware.RackSpec   `json:"racks"`
		Servers []hardware.ServerSpec `json:"servers"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.services.Hardware.Import(r.Context(), req.Racks, req.Servers)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *InventoryHandler) listRacks(w http.ResponseWriter, r *http.Request) {
	racks, err := h.services.Hardware.ListRacks(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	// Cache contents are admin-only; everyone sees names and capacity.
	type rackView struct {
		Name     string `json:"name"`
		Capacity int64  `json:"capacity"`
	}
	views := make([]rackView, 0, len(racks))
	for _, rk := range racks {
		views = append(views, rackView{Name: rk.Name, Capacity: rk.Capacity})
	}
	writeJSON(w, http.StatusOK, map[string]any{"racks": views})
}

func (h *InventoryHandler) rackImageCache(w http.ResponseWriter, r *http.Request) {
	rack, err := h.services.Hardware.RackImageCache(r.Context(), middleware.GetAccess(r.Context()), r.PathValue("name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":               rack.Name,
		"available_capacity": rack.AvailableCapacity,
		"images":             rack.CachedImageNames(),
	})
}

func (h *InventoryHandler) evacuateRack(w http.ResponseWriter, r *http.Request) {
	report, err := h.services.Migrations.EvacuateRack(r.Context(), middleware.GetAccess(r.Context()), r.PathValue("name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// serverView hides free capacity and the active flag from non-admin callers.
type serverView struct {
	Name   string `json:"name"`
	Rack   string `json:"rack"`
	IP     string `json:"ip"`
	Memory int64  `json:"memory"`
	Disk   int64  `json:"disk"`
	VCPU   int64  `json:"vcpu"`

	IsActive   *bool  `json:"is_active,omitempty"`
	MemoryFree *int64 `json:"memory_free,omitempty"`
	DiskFree   *int64 `json:"disk_free,omitempty"`
	VCPUFree   *int64 `json:"vcpu_free,omitempty"`
}

func newServerView(s *domain.Server, verbose bool) serverView {
	v := serverView{Name: s.Name, Rack: s.Rack, IP: s.IP, Memory: s.Memory, Disk: s.Disk, VCPU: s.VCPU}
	if verbose {
		v.IsActive = &s.IsActive
		v.MemoryFree = &s.MemoryFree
		v.DiskFree = &s.DiskFree
		v.VCPUFree = &s.VCPUFree
	}
	return v
}

func (h *InventoryHandler) listServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.services.Hardware.ListServers(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	verbose := middleware.GetAccess(r.Context()).Elevated
	views := make([]serverView, 0, len(servers))
	for _, s := range servers {
		// Removed and evacuated servers are only shown to admins.
		if !s.IsActive && !verbose {
			continue
		}
		views = append(views, newServerView(s, verbose))
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": views})
}

func (h *InventoryHandler) getServer(w http.ResponseWriter, r *http.Request) {
	srv, err := h.services.Hardware.GetServer(r.Context(), r.PathValue("name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newServerView(srv, middleware.GetAccess(r.Context()).Elevated))
}

func (h *InventoryHandler) addServer(w http.ResponseWriter, r *http.Request) {
	var spec hardware.ServerSpec
	if !h.decode(w, r, &spec) {
		return
	}
	srv, err := h.services.Hardware.AddServer(r.Context(), middleware.GetAccess(r.Context()), spec)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newServerView(srv, true))
}

func (h *InventoryHandler) removeServer(w http.ResponseWriter, r *http.Request) {
	report, err := h.services.Migrations.RemoveServer(r.Context(), middleware.GetAccess(r.Context()), r.PathValue("name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// Instances
// =============================================================================

func (h *InventoryHandler) listInstances(w http.ResponseWriter, r *http.Request) {
	insts, err := h.services.Instances.ListInstances(r.Context(), middleware.GetAccess(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": insts})
}

func (h *InventoryHandler) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.services.Instances.GetInstance(r.Context(), middleware.GetAccess(r.Context()), r.PathValue("name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *InventoryHandler) createInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Flavor string `json:"flavor"`
		Image  string `json:"image"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	access := middleware.GetAccess(r.Context())
	inst, err := h.services.Instances.CreateInstanceCached(r.Context(), access, req.Name, req.Flavor, req.Image)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !access.Elevated {
		inst.Server = ""
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (h *InventoryHandler) deleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := h.services.Instances.DeleteInstance(r.Context(), middleware.GetAccess(r.Context()), r.PathValue("name")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Placement queries
// =============================================================================

func (h *InventoryHandler) bestFit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var racks []string
	if q.Has("racks") {
		racks = []string{}
		for _, name := range strings.Split(q.Get("racks"), ",") {
			if name = strings.TrimSpace(name); name != "" {
				racks = append(racks, name)
			}
		}
	}

	server, found, err := h.services.Instances.BestFit(r.Context(), q.Get("flavor"), racks)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": found, "server": server})
}

func (h *InventoryHandler) canHost(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ok, err := h.services.Instances.CanHost(r.Context(), middleware.GetAccess(r.Context()), q.Get("server"), q.Get("flavor"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"can_host": ok})
}

// =============================================================================
// Events
// =============================================================================

// streamEvents sends inventory events as server-sent events until the client goes away.
func (h *InventoryHandler) streamEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := events.Filter{Kind: domain.Kind(q.Get("kind")), Name: q.Get("name")}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("Streaming not supported", zap.Error(err))
		return
	}

	sub := h.services.Events.Subscribe(r.Context(), filter)
	h.logger.Debug("Event stream opened", zap.String("subscription_id", sub.ID))

	for ev := range sub.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Warn("Failed to encode event", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data); err != nil {
			break
		}
		if err := rc.Flush(); err != nil {
			break
		}
	}
	h.services.Events.Unsubscribe(sub.ID)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *InventoryHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, &domain.ValidationError{Field: "request body", Value: err.Error()})
		return false
	}
	return true
}

// statusCode maps domain errors to HTTP status codes.
func statusCode(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, domain.ErrNoCompatibleHost):
		return http.StatusConflict, "no_compatible_host"
	case errors.Is(err, domain.ErrMigrationImpossible):
		return http.StatusConflict, "migration_impossible"
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrResourceExhausted):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *InventoryHandler) writeError(w http.ResponseWriter, err error) {
	status, code := statusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("API error", zap.Int("status", status), zap.Error(err))
	} else {
		h.logger.Warn("API error", zap.Int("status", status), zap.String("code", code), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": err.Error(),
	})
}
