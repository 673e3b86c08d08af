package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"parking-monitor/internal/domain/violation"
	"parking-monitor/internal/service"
)

type Handler struct {
	violations *service.ViolationService
	hub        *Hub
	log        zerolog.Logger
}

func NewHandler(
	violations *service.ViolationService,
	hub *Hub,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		violations: violations,
		hub:        hub,
		log:        log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.GET("/violations/", h.listViolations)
		public.GET("/violations/stats/count", h.countViolations)
		public.GET("/violations/ws", h.hub.Serve)
		public.GET("/violations/:id", h.getViolation)
		public.GET("/parking-lots/", h.listParkingLots)
		public.GET("/parking-lots/:id/occupancy-history", h.occupancyHistory)
	}

	// Mutating endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/violations/", h.createViolation)
		protected.PATCH("/violations/:id", h.updateViolation)
	}
}

func (h *Handler) listViolations(c *gin.Context) {
	filter, err := violation.ParseFilter(c.Request.URL.Query())
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	params := service.ListParams{Filter: filter}
	if s := c.Query("skip"); s != "" {
		if parsed, err := parseInt(s); err == nil && parsed >= 0 {
			params.Skip = parsed
		}
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			params.Limit = parsed
		}
	}

	page, err := h.violations.List(c.Request.Context(), params)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

func (h *Handler) getViolation(c *gin.Context) {
	id, ok := h.violationID(c)
	if !ok {
		return
	}

	v, err := h.violations.Get(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, v)
}

func (h *Handler) updateViolation(c *gin.Context) {
	id, ok := h.violationID(c)
	if !ok {
		return
	}

	var patch violation.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	v, err := h.violations.Update(c.Request.Context(), id, patch, actorFrom(c))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, v)
}

func (h *Handler) createViolation(c *gin.Context) {
	var detection violation.Detection
	if err := c.ShouldBindJSON(&detection); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	v, err := h.violations.Create(c.Request.Context(), detection)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, v)
}

func (h *Handler) countViolations(c *gin.Context) {
	counts, err := h.violations.Counts(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, counts)
}

func (h *Handler) listParkingLots(c *gin.Context) {
	lots, err := h.violations.ListLots(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(lots))
}

func (h *Handler) occupancyHistory(c *gin.Context) {
	lotID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || lotID <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse("invalid parking lot id"))
		return
	}

	hours := service.DefaultHistoryHours
	if raw := c.Query("hours"); raw != "" {
		parsed, err := parseInt(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse("hours must be a positive integer"))
			return
		}
		hours = parsed
	}

	history, err := h.violations.OccupancyHistory(c.Request.Context(), lotID, hours)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, history)
}

func (h *Handler) violationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse("invalid violation id"))
		return 0, false
	}
	return id, true
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
