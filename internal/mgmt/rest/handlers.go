package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jroosing/packetforge/internal/mgmt/runtime"
	"github.com/jroosing/packetforge/internal/txgen"
)

// handler closes over the shared runtime.Runtime; every method is a thin
// translation from an HTTP verb to a Runtime call.
type handler struct {
	rt      *runtime.Runtime
	metrics gin.HandlerFunc
}

func newHandler(rt *runtime.Runtime) *handler {
	gh := promhttp.HandlerFor(rt.Telemetry.Gatherer(), promhttp.HandlerOpts{})
	return &handler{rt: rt, metrics: gin.WrapH(gh)}
}

// Health godoc
// @Summary Health check
// @Tags system
// @Produce json
// @Success 200 {object} StatusResponse
// @Router /health [get]
func (h *handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

// Stats godoc
// @Summary Telemetry snapshot
// @Tags telemetry
// @Produce json
// @Success 200 {object} telemetry.Snapshot
// @Router /stats [get]
func (h *handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.rt.Snapshot())
}

// Metrics exposes the Prometheus registry for scrape-based monitoring.
func (h *handler) Metrics(c *gin.Context) {
	h.metrics(c)
}

// GetConfig godoc
// @Summary Read the live configuration
// @Tags config
// @Produce json
// @Success 200 {object} config.Config
// @Router /config [get]
func (h *handler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.rt.Config())
}

// PutConfig godoc
// @Summary Replace the live configuration
// @Tags config
// @Accept json
// @Produce json
// @Success 200 {object} StatusResponse
// @Failure 400 {object} ErrorResponse
// @Router /config [put]
func (h *handler) PutConfig(c *gin.Context) {
	cfg := h.rt.Config()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.rt.SetConfig(cfg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "updated"})
}

// Start godoc
// @Summary Arm traffic generation
// @Tags run
// @Accept json
// @Produce json
// @Success 200 {object} StatusResponse
// @Failure 400 {object} ErrorResponse
// @Router /start [post]
func (h *handler) Start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if req.DstIP == "" {
		if err := h.rt.StartFlows(req.DurationS); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, StatusResponse{Status: "started"})
		return
	}
	dstIP, err := runtime.ParseIPv4(req.DstIP)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	cfg := txgen.Config{
		RatePPS:    req.RatePPS,
		DurationS:  req.DurationS,
		DstIP:      dstIP,
		PayloadLen: req.PayloadLen,
		PortID:     req.PortID,
	}
	if err := h.rt.StartTraffic(cfg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "started"})
}

// Stop godoc
// @Summary Disarm traffic generation
// @Tags run
// @Produce json
// @Success 200 {object} StatusResponse
// @Router /stop [post]
func (h *handler) Stop(c *gin.Context) {
	h.rt.StopTraffic()
	c.JSON(http.StatusOK, StatusResponse{Status: "stopped"})
}

// ListProfiles returns every saved profile's latest version.
func (h *handler) ListProfiles(c *gin.Context) {
	if h.rt.Store == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "no profile store configured"})
		return
	}
	profiles, err := h.rt.Store.ListProfiles()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	out := make([]ProfileSummary, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, ProfileSummary{Name: p.Name, Version: p.Version, CreatedAt: p.CreatedAt.String()})
	}
	c.JSON(http.StatusOK, out)
}

// SaveProfile saves the live configuration under the :name path param.
func (h *handler) SaveProfile(c *gin.Context) {
	version, err := h.rt.SaveNamedConfig(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ProfileSummary{Name: c.Param("name"), Version: version})
}

// LoadProfile loads the named profile's latest version as the live
// configuration.
func (h *handler) LoadProfile(c *gin.Context) {
	cfg, err := h.rt.LoadNamedConfig(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}
