package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/nathanyu/trade-service/internal/dispatch"
	"github.com/nathanyu/trade-service/internal/domain"
	"github.com/nathanyu/trade-service/internal/marketdata"
	"github.com/nathanyu/trade-service/internal/monitor"
	"github.com/nathanyu/trade-service/internal/ordermanager"
	"github.com/nathanyu/trade-service/internal/reference"
	"github.com/nathanyu/trade-service/internal/telemetry"
)

// Handler holds the HTTP handler dependencies.
type Handler struct {
	manager   *ordermanager.Manager
	reference *reference.Service
	publisher *marketdata.Publisher
	collector *monitor.Collector

	// single serves manual single triggers, batch serves batch triggers.
	single *dispatch.Processor
	batch  *dispatch.Processor

	logger *slog.Logger
}

// Deps groups what NewHandler needs.
type Deps struct {
	Manager   *ordermanager.Manager
	Reference *reference.Service
	Publisher *marketdata.Publisher
	Collector *monitor.Collector
	Single    *dispatch.Processor
	Batch     *dispatch.Processor
	Logger    *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Handler{
		manager:   d.Manager,
		reference: d.Reference,
		publisher: d.Publisher,
		collector: d.Collector,
		single:    d.Single,
		batch:     d.Batch,
		logger:    logger.With("component", "handler"),
	}
}

// RegisterRoutes sets up the Gin routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	{
		v1.POST("/orders", h.PlaceOrder)
		v1.GET("/orders/:id", h.GetOrder)
		v1.DELETE("/orders/:id", h.CancelOrder)
		v1.GET("/users/:user_id/orders", h.ListUserOrders)
		v1.GET("/users/:user_id/orders/count", h.CountUserOrders)
		v1.GET("/instruments", h.ListInstruments)
		v1.GET("/instruments/:code", h.GetInstrument)
		v1.POST("/match/:code", h.MatchNow)
		v1.GET("/depth/:code", h.GetDepth)
		v1.GET("/fills", h.GetFills)
		v1.GET("/candles/:code", h.GetCandles)
	}

	mon := v1.Group("/monitor")
	{
		mon.GET("/performance", h.Performance)
		mon.GET("/health", h.MonitorHealth)
		mon.POST("/reset-stats", h.ResetStats)
		mon.POST("/trigger-matching/:code", h.TriggerMatching)
		mon.POST("/batch-trigger-matching", h.BatchTriggerMatching)
		mon.GET("/async-processor-status", h.ProcessorStatus)
	}
}

// Health returns a liveness response.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": telemetry.ServiceName,
	})
}

// writeError maps an error's kind to an HTTP status.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindStateConflict:
		status = http.StatusConflict
	case domain.KindOverload:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(c.Request.Context(), "request failed",
			"path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"code": domain.CodeOf(err), "error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": 0, "error": msg})
}

func parseID(c *gin.Context, raw, name string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

// PlaceOrderRequest is the request body for placing an order. Price accepts
// a JSON number or string.
type PlaceOrderRequest struct {
	UserID         int64           `json:"user_id" binding:"required,gt=0"`
	InstrumentCode string          `json:"instrument_code" binding:"required"`
	Side           domain.Side     `json:"side" binding:"required"`
	Price          decimal.Decimal `json:"price"`
	Quantity       int64           `json:"quantity" binding:"required"`
	Source         string          `json:"source"`
	Remark         string          `json:"remark" binding:"max=200"`
}

// PlaceOrder handles POST /v1/orders.
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	order, err := h.manager.PlaceOrder(c.Request.Context(), ordermanager.PlaceOrderRequest{
		UserID:         req.UserID,
		InstrumentCode: req.InstrumentCode,
		Side:           req.Side,
		Price:          req.Price,
		Quantity:       req.Quantity,
		Source:         domain.OrderSource(req.Source),
		Remark:         req.Remark,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// GetOrder handles GET /v1/orders/:id?user_id=.
func (h *Handler) GetOrder(c *gin.Context) {
	orderID, ok := parseID(c, c.Param("id"), "order id")
	if !ok {
		return
	}
	userID, ok := parseID(c, c.Query("user_id"), "user_id")
	if !ok {
		return
	}

	order, err := h.manager.GetOrder(c.Request.Context(), orderID, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// CancelOrder handles DELETE /v1/orders/:id?user_id=.
func (h *Handler) CancelOrder(c *gin.Context) {
	orderID, ok := parseID(c, c.Param("id"), "order id")
	if !ok {
		return
	}
	userID, ok := parseID(c, c.Query("user_id"), "user_id")
	if !ok {
		return
	}

	cancelled, err := h.manager.CancelOrder(c.Request.Context(), orderID, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "cancelled": cancelled})
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
	return page, size
}

// ListUserOrders handles GET /v1/users/:user_id/orders.
func (h *Handler) ListUserOrders(c *gin.Context) {
	userID, ok := parseID(c, c.Param("user_id"), "user_id")
	if !ok {
		return
	}
	page, size := pageParams(c)

	result, err := h.manager.ListUserOrders(c.Request.Context(), userID, page, size)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CountUserOrders handles GET /v1/users/:user_id/orders/count.
func (h *Handler) CountUserOrders(c *gin.Context) {
	userID, ok := parseID(c, c.Param("user_id"), "user_id")
	if !ok {
		return
	}
	n, err := h.manager.CountUserOrders(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "count": n})
}

// ListInstruments handles GET /v1/instruments.
func (h *Handler) ListInstruments(c *gin.Context) {
	page, size := pageParams(c)
	result, err := h.reference.ListTradable(c.Request.Context(), page, size)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetInstrument handles GET /v1/instruments/:code.
func (h *Handler) GetInstrument(c *gin.Context) {
	inst, err := h.reference.GetByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if inst == nil {
		h.writeError(c, domain.ErrInstrumentNotFound)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// MatchNow handles POST /v1/match/:code. It runs matching on the request
// goroutine and reports the fills applied.
func (h *Handler) MatchNow(c *gin.Context) {
	code := c.Param("code")
	fills, err := h.manager.MatchNow(c.Request.Context(), code)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instrument_code": code, "fills": fills})
}

// GetDepth handles GET /v1/depth/:code?depth=.
func (h *Handler) GetDepth(c *gin.Context) {
	depth, err := strconv.Atoi(c.DefaultQuery("depth", "10"))
	if err != nil || depth <= 0 {
		depth = 10
	}
	book, err := h.publisher.Depth(c.Request.Context(), c.Param("code"), depth)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

// GetFills handles GET /v1/fills?instrument_code=&order_id=&since=.
func (h *Handler) GetFills(c *gin.Context) {
	var orderID int64
	if raw := c.Query("order_id"); raw != "" {
		id, ok := parseID(c, raw, "order_id")
		if !ok {
			return
		}
		orderID = id
	}

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "invalid since format, use RFC3339")
			return
		}
		since = parsed
	}

	c.JSON(http.StatusOK, h.publisher.GetFills(c.Query("instrument_code"), orderID, since))
}

// GetCandles handles GET /v1/candles/:code?count=.
func (h *Handler) GetCandles(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "100"))
	if err != nil || count <= 0 {
		count = 100
	}
	candles := h.publisher.GetCandles(c.Param("code"), count)
	if candles == nil {
		candles = []*domain.Candlestick{}
	}
	c.JSON(http.StatusOK, candles)
}

// Performance handles GET /v1/monitor/performance.
func (h *Handler) Performance(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"snapshot": h.collector.Snapshot(),
		"report":   h.collector.Report(),
	})
}

// MonitorHealth handles GET /v1/monitor/health.
func (h *Handler) MonitorHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.collector.Health())
}

// ResetStats handles POST /v1/monitor/reset-stats.
func (h *Handler) ResetStats(c *gin.Context) {
	h.collector.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// TriggerMatching handles POST /v1/monitor/trigger-matching/:code. The job
// runs asynchronously; ?wait=true blocks until it finishes.
func (h *Handler) TriggerMatching(c *gin.Context) {
	code := c.Param("code")
	handle, err := h.single.Enqueue(code)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if c.Query("wait") == "true" {
		if err := handle.Wait(c.Request.Context()); err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"instrument_code": code, "status": "done"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"instrument_code": code, "status": "queued"})
}

// BatchTriggerRequest lists the instruments to match.
type BatchTriggerRequest struct {
	InstrumentCodes []string `json:"instrument_codes" binding:"required,min=1"`
}

// BatchTriggerMatching handles POST /v1/monitor/batch-trigger-matching.
func (h *Handler) BatchTriggerMatching(c *gin.Context) {
	var req BatchTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	handle := h.batch.EnqueueBatch(req.InstrumentCodes)
	if c.Query("wait") == "true" {
		if err := handle.Wait(c.Request.Context()); err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"instrument_codes": req.InstrumentCodes, "status": "done"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"instrument_codes": req.InstrumentCodes, "status": "queued"})
}

// ProcessorStatus handles GET /v1/monitor/async-processor-status.
func (h *Handler) ProcessorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"default":          h.single.Status(),
		"high_throughput":  h.batch.Status(),
		"order_ids_issued": h.manager.IssuedOrderIDs(),
	})
}
