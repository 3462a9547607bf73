package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/zulandar/intakeyard/internal/intake"
	"github.com/zulandar/intakeyard/internal/messaging"
	"github.com/zulandar/intakeyard/internal/models"
	"github.com/zulandar/intakeyard/internal/processor"
	"github.com/zulandar/intakeyard/internal/store"
)

type api struct {
	opts StartOpts
}

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, a *api) {
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.opts.Gatherer, promhttp.HandlerOpts{})))
	router.GET("/api/events", a.handleSSE)
	router.GET("/api/cards", a.handleCards)

	g := router.Group("/api/intakes")
	g.POST("", a.handleStart)
	g.GET("", a.handleList)
	g.GET("/:id", a.handleShow)
	g.GET("/:id/readings", a.handleReadings)
	g.GET("/:id/events", a.handleHistory)

	g.POST("/:id/gate-entry", a.handleGateEntry)
	g.POST("/:id/initial-weighing", a.handleInitialWeighing)
	g.POST("/:id/items/:item/at-weighbridge", a.handleItemOp(func(ctx context.Context, p *processor.Processor, item string) error {
		return p.MarkAtWeighbridge(ctx, item)
	}))
	g.POST("/:id/items/:item/begin-loading", a.handleItemOp(func(ctx context.Context, p *processor.Processor, item string) error {
		return p.BeginLoading(ctx, item)
	}))
	g.POST("/:id/items/:item/weight", a.handleItemWeight)
	g.POST("/:id/items/:item/skip", a.handleSkip)
	g.POST("/:id/finish-loading", a.handleFinishLoading)
	g.POST("/:id/final-weighing", a.handleFinalWeighing)
	g.POST("/:id/final-weighing/override", a.handleOverride)
	g.POST("/:id/confirm", a.handleConfirm)
	g.POST("/:id/cancel", a.handleCancel)
	g.POST("/:id/keys", a.handleKeys)
}

// --- request bodies ---

type startItem struct {
	MaterialCode     string          `json:"material_code"`
	Description      string          `json:"description"`
	ExpectedQuantity decimal.Decimal `json:"expected_quantity"`
	Unit             string          `json:"unit"`
	Rate             decimal.Decimal `json:"rate"`
}

type startRequest struct {
	SourceRef string      `json:"source_ref"`
	Items     []startItem `json:"items"`
}

type gateEntryRequest struct {
	VehicleNumber string `json:"vehicle_number"`
	DriverName    string `json:"driver_name"`
	DriverPhone   string `json:"driver_phone"`
	Transporter   string `json:"transporter"`
	CardID        string `json:"card_id"`
}

type weightRequest struct {
	Weight decimal.Decimal `json:"weight"`
}

type overrideRequest struct {
	Weight decimal.Decimal `json:"weight"`
	Reason string          `json:"reason"`
}

type reasonRequest struct {
	Reason  string `json:"reason"`
	Remarks string `json:"remarks"`
}

type keysRequest struct {
	Chars string `json:"chars"`
}

// --- error mapping ---

// statusFor maps an intake error kind to an HTTP status.
func statusFor(err error) int {
	switch intake.KindOf(err) {
	case intake.KindInvalidInput:
		return http.StatusBadRequest
	case intake.KindPreconditionFailed, intake.KindConflict:
		return http.StatusConflict
	case intake.KindWeightAnomaly:
		return http.StatusUnprocessableEntity
	case intake.KindNotFound:
		return http.StatusNotFound
	case intake.KindFeedStale, intake.KindFeedDisconnected:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error(), "kind": intake.KindOf(err).String()}
	if a, ok := intake.AnomalyOf(err); ok {
		body["anomaly"] = a
	}
	c.JSON(statusFor(err), body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": intake.KindInvalidInput.String()})
}

// --- helpers ---

// lookup returns the open processor for the :id param, writing the
// error response itself when there is none.
func (a *api) lookup(c *gin.Context) (*processor.Processor, bool) {
	p, err := a.opts.Intakes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return p, true
}

// itemID accepts either a full item ID or a 1-based position.
func itemID(recordID, param string) string {
	if pos, err := strconv.Atoi(param); err == nil && pos > 0 {
		return intake.ItemID(recordID, pos)
	}
	return param
}

// record returns the current record: from the processor while it runs,
// from the store once it has stopped.
func (a *api) record(ctx context.Context, p *processor.Processor) (*models.IntakeRecord, error) {
	rec, err := p.Snapshot(ctx)
	if err == nil {
		return rec, nil
	}
	if errors.Is(err, processor.ErrClosed) {
		return a.opts.Records.Load(ctx, p.ID())
	}
	return nil, err
}

// respond writes the record after a successful command, with an optional
// operation result.
func (a *api) respond(c *gin.Context, p *processor.Processor, result any) {
	rec, err := a.record(c.Request.Context(), p)
	if err != nil {
		writeError(c, err)
		return
	}
	body := gin.H{"record": rec}
	if result != nil {
		body["result"] = result
	}
	c.JSON(http.StatusOK, body)
}

// --- handlers ---

func (a *api) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	items := make([]intake.NewItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, intake.NewItem{
			MaterialCode:     it.MaterialCode,
			Description:      it.Description,
			ExpectedQuantity: it.ExpectedQuantity,
			Unit:             it.Unit,
			Rate:             it.Rate,
		})
	}
	p, err := a.opts.Intakes.Start(c.Request.Context(), req.SourceRef, items)
	if err != nil {
		writeError(c, err)
		return
	}
	rec, err := a.record(c.Request.Context(), p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"record": rec})
}

func (a *api) handleList(c *gin.Context) {
	filters := store.ListFilters{
		Status:    models.Status(c.Query("status")),
		SourceRef: c.Query("source"),
		Flagged:   c.Query("flagged") == "true",
		Limit:     50,
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			badRequest(c, errors.New("limit must be a positive integer"))
			return
		}
		filters.Limit = n
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, errors.New("since must be an RFC 3339 time"))
			return
		}
		filters.Since = since
	}
	recs, err := a.opts.Records.List(c.Request.Context(), filters)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (a *api) handleShow(c *gin.Context) {
	rec, err := a.opts.Records.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !rec.Terminal() {
		// The open processor may be ahead of the last save.
		if p, err := a.opts.Intakes.Get(c.Request.Context(), rec.ID); err == nil {
			if live, err := a.record(c.Request.Context(), p); err == nil {
				rec = live
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

func (a *api) handleReadings(c *gin.Context) {
	p, ok := a.lookup(c)
	if !ok {
		return
	}
	r, err := p.Readings(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (a *api) handleHistory(c *gin.Context) {
	if a.opts.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event history unavailable"})
		return
	}
	rows, err := messaging.History(a.opts.DB.WithContext(c.Request.Context()), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": rows})
}

func (a *api) handleCards(c *gin.Context) {
	if a.opts.Cards == nil {
		c.JSON(http.StatusOK, gin.H{"cards": []models.IdentityCard{}})
		return
	}
	list := a.opts.Cards.ListAvailable
	if c.Query("all") == "true" {
		list = a.opts.Cards.List
	}
	cards, err := list(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cards": cards})
}

func (a *api) handleGateEntry(c *gin.Context) {
	var req gateEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, ok := a.lookup(c)
	if !ok {
		return
	}
	info := intake.VehicleInfo{
		VehicleNumber: req.VehicleNumber,
		DriverName:    req.DriverName,
		DriverPhone:   req.DriverPhone,
		Transporter:   req.Transporter,
	}
	if err := p.RecordGateEntry(c.Request.Context(), info, req.CardID); err != nil {
		writeError(c, err)
		return
	}
	a.respond(c, p, nil)
}

func (a *api) handleInitialWeighing(c *gin.Context) {
	var req weightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, ok := a.lookup(c)
	if !ok {
		return
	}
	if err := p.RecordInitialWeighing(c.Request.Context(), req.Weight); err != nil {
		writeError(c, err)
		return
	}
	a.respond(c, p, nil)
}

func (a *api) handleItemOp(op func(context.Context, *processor.Processor, string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := a.lookup(c)
		if !ok {
			return
		}
		if err := op(c.Request.Context(), p, itemID(p.ID(), c.Param("item"))); err != nil {
			writeError(c, err)
			return
		}
		a.respond(c, p, nil)
	}
}

func (a *api) handleItemWeight(c *gin.Context) {
	var req weightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, ok := a.lookup(c)
	if !ok {
		return
	}
	w, err := p.RecordWeightAfterLoading(c.Request.Context(), itemID(p.ID(), c.Param("item")), req.Weight)
	if err != nil {
		writeError(c, err)
		return
	}
	a.respond(c, p, gin.H{"item_weight": w})
}

func (a *api) handleSkip(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, ok := a.lookup(c)
	if !ok {
		return
	}
	remarks := req.Remarks
	if remarks == "" {
		remarks = req.Reason
	}
	if err := p.SkipItem(c.Request.Context(), itemID(p.ID(), c.Param("item")), remarks); err != nil {
		writeError(c, err)
		return
	}
	a.respond(c, p, nil)
}

func (a *api) handleFinishLoading(c *gin.Context) {
	p, ok := a.lookup(c)
	if !ok {
		return
	}
	if err := p.FinishLoading(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	a.respond(c, p, nil)
}

func (a *api) handleFinalWeighing(c *gin.Context) {
	var req weightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, ok := a.lookup(c)
	if !ok {
		return
	}
	rc, err := p.RecordFinalWeighing(c.Request.Context(), req.Weight)
	if err != nil {
		writeError(c, err)
		return
	}
	a.respond(c, p, rc)
}

func (a *api) handleOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, ok := a.lookup(c)
	if !ok {
		return
	}
	rc, err := p.OverrideFinalWeighing(c.Request.Context(), req.Weight, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	a.respond(c, p, rc)
}

func (a *api) handleConfirm(c *gin.Context) {
	p, ok := a.lookup(c)
	if !ok {
		return
	}
	res, err := p.ConfirmReading(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	a.respond(c, p, res)
}

func (a *api) handleCancel(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, ok := a.lookup(c)
	if !ok {
		return
	}
	if err := p.Cancel(c.Request.Context(), req.Reason); err != nil {
		writeError(c, err)
		return
	}
	a.respond(c, p, nil)
}

func (a *api) handleKeys(c *gin.Context) {
	var req keysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, ok := a.lookup(c)
	if !ok {
		return
	}
	if err := p.KeyInput(c.Request.Context(), req.Chars); err != nil {
		writeError(c, err)
		return
	}
	r, err := p.Readings(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}
