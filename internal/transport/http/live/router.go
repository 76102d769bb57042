package livehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"perpguard/internal/cooldown"
	"perpguard/internal/dealflow"
	"perpguard/internal/gateway/exchange"
	"perpguard/internal/logger"
	"perpguard/internal/ordermanager"
	"perpguard/internal/store"
	storemodel "perpguard/internal/store/model"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
)

// DealService 由 *dealflow.Service 实现。
type DealService interface {
	Submit(ctx context.Context, d dealflow.Deal) (dealflow.SubmitResult, error)
	RecordOutcome(ctx context.Context, id int64, status storemodel.DealStatus, at time.Time) (*storemodel.DealModel, error)
}

// Reconciler 由 *ordermanager.Manager 实现。
type Reconciler interface {
	Snapshot(ctx context.Context, sym string) (ordermanager.Snapshot, error)
	WatchAndCleanup(ctx context.Context, sym string) (ordermanager.ReconcileEvent, error)
	Halted() (bool, string)
}

type EventReader interface {
	Recent(ctx context.Context, symbol string, limit int) ([]ordermanager.ReconcileEvent, error)
}

type CooldownView interface {
	Snapshot() cooldown.State
}

type Deps struct {
	Service    DealService
	Reconciler Reconciler
	Deals      store.DealStore
	Events     EventReader
	Cooldown   CooldownView
}

// Router 暴露 /api 下的接口。
type Router struct {
	Deps
	dealSchema    *jsonschema.Schema
	outcomeSchema *jsonschema.Schema
}

func NewRouter(deps Deps) (*Router, error) {
	ds, err := compileSchema("deal.json", dealSchema)
	if err != nil {
		return nil, fmt.Errorf("compile deal schema: %w", err)
	}
	oc, err := compileSchema("outcome.json", outcomeSchema)
	if err != nil {
		return nil, fmt.Errorf("compile outcome schema: %w", err)
	}
	return &Router{Deps: deps, dealSchema: ds, outcomeSchema: oc}, nil
}

func (r *Router) Register(group *gin.RouterGroup) {
	group.POST("/deals", r.handleSubmitDeal)
	group.GET("/deals", r.handleListDeals)
	group.POST("/deals/:id/outcome", r.handleOutcome)
	group.GET("/cooldown", r.handleCooldown)
	group.GET("/orders/:symbol", r.handleOrders)
	group.POST("/reconcile/:symbol", r.handleReconcile)
	group.GET("/reconcile/events", r.handleEvents)
}

func (r *Router) handleHealth(c *gin.Context) {
	halted, reason := r.Reconciler.Halted()
	body := gin.H{"status": "ok", "account_halted": halted}
	if halted {
		body["halt_reason"] = reason
	}
	if r.Cooldown != nil {
		body["cooldown_active"] = r.Cooldown.Snapshot().Active
	}
	c.JSON(http.StatusOK, body)
}

type dealRequest struct {
	Pair       string          `json:"pair"`
	Timeframe  string          `json:"timeframe"`
	Direction  string          `json:"direction"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	TakePrice  decimal.Decimal `json:"take_price"`
}

func (r *Router) handleSubmitDeal(c *gin.Context) {
	var req dealRequest
	if !r.bindValidated(c, r.dealSchema, &req) {
		return
	}
	deal := dealflow.Deal{
		Pair:       req.Pair,
		Timeframe:  req.Timeframe,
		Direction:  dealflow.Direction(req.Direction),
		EntryPrice: req.EntryPrice,
		StopPrice:  req.StopPrice,
		TakePrice:  req.TakePrice,
	}
	out, err := r.Service.Submit(c.Request.Context(), deal)
	if err != nil {
		status := submitStatus(err)
		logger.Warnf("[api] submit deal %s %s failed status=%d err=%v", deal.Pair, deal.Direction, status, err)
		c.JSON(status, gin.H{"error": err.Error(), "deal": out.Deal, "placement": out.Placement})
		return
	}
	c.JSON(http.StatusOK, out)
}

// submitStatus 把下单链路的错误映射为 HTTP 状态码。
func submitStatus(err error) int {
	switch {
	case errors.Is(err, ordermanager.ErrSymbolBusy):
		return http.StatusConflict
	case errors.Is(err, dealflow.ErrCooldownActive):
		return http.StatusLocked
	case errors.Is(err, ordermanager.ErrAccountHalted):
		return http.StatusServiceUnavailable
	case errors.Is(err, dealflow.ErrInvalidDeal),
		errors.Is(err, dealflow.ErrGateRejected),
		errors.Is(err, ordermanager.ErrInvalidRequest),
		errors.Is(err, ordermanager.ErrSlippageExceeded),
		errors.Is(err, exchange.ErrBelowMinimumSize),
		errors.Is(err, exchange.ErrInvalidOrderSize),
		errors.Is(err, exchange.ErrSymbolNotFound):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (r *Router) handleListDeals(c *gin.Context) {
	if r.Deals == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "deal store not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	deals, err := r.Deals.ListDeals(c.Request.Context(), store.DealQuery{
		Pair:   strings.ToUpper(strings.TrimSpace(c.Query("pair"))),
		Status: storemodel.DealStatus(strings.TrimSpace(c.Query("status"))),
		Limit:  limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deals": deals})
}

type outcomeRequest struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

func (r *Router) handleOutcome(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid deal id"})
		return
	}
	var req outcomeRequest
	if !r.bindValidated(c, r.outcomeSchema, &req) {
		return
	}
	deal, err := r.Service.RecordOutcome(c.Request.Context(), id, storemodel.DealStatus(req.Status), req.At)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"deal": deal})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrDealNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, dealflow.ErrInvalidDeal):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (r *Router) handleCooldown(c *gin.Context) {
	if r.Cooldown == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "state": r.Cooldown.Snapshot()})
}

func (r *Router) handleOrders(c *gin.Context) {
	snap, err := r.Reconciler.Snapshot(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		c.JSON(exchangeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (r *Router) handleReconcile(c *gin.Context) {
	ev, err := r.Reconciler.WatchAndCleanup(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		status := exchangeStatus(err)
		if errors.Is(err, ordermanager.ErrSymbolBusy) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error(), "event": ev})
		return
	}
	c.JSON(http.StatusOK, ev)
}

func exchangeStatus(err error) int {
	switch {
	case errors.Is(err, exchange.ErrSymbolNotFound):
		return http.StatusNotFound
	case errors.Is(err, ordermanager.ErrAccountHalted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.Events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event journal not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	events, err := r.Events.Recent(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// bindValidated 先按 JSON schema 校验原始请求体，再解码到 dest。
func (r *Router) bindValidated(c *gin.Context, schema *jsonschema.Schema, dest any) bool {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	// jsonschema/v5 expects instances decoded with UseNumber.
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	err = dec.Decode(&doc)
	if err == nil {
		if _, tokErr := dec.Token(); tokErr != io.EOF {
			err = errors.New("invalid character after top-level value")
		}
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return false
	}
	if err := schema.Validate(doc); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}
