// Package api exposes a small status surface over HTTP: feed health, open
// positions, the daily ledger and runtime metrics.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"options-core/internal/feed"
	"options-core/internal/ledger"
	"options-core/internal/lifecycle"
	"options-core/internal/monitor"
)

// Server wires the read-only HTTP endpoints.
type Server struct {
	Router  *gin.Engine
	Feed    *feed.Feed
	Manager *lifecycle.Manager
	Ledger  *ledger.Ledger
	Metrics *monitor.SystemMetrics
	Meta    SystemMeta

	jwtSecret string
}

// SystemMeta describes runtime configuration exposed to operators.
type SystemMeta struct {
	Paper       bool
	Instruments []string
	Version     string
}

// NewServer builds the router.
func NewServer(f *feed.Feed, mgr *lifecycle.Manager, led *ledger.Ledger, metrics *monitor.SystemMetrics, meta SystemMeta, jwtSecret string) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		Router:    r,
		Feed:      f,
		Manager:   mgr,
		Ledger:    led,
		Metrics:   metrics,
		Meta:      meta,
		jwtSecret: jwtSecret,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/orders/active", s.getActiveOrders)
		api.GET("/orders/closed", s.getClosedOrders)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.jwtSecret))
		protected.POST("/orders/:id/close", s.closeOrder)
		api.GET("/ledger", s.getLedger)
	}
}

// health reports liveness plus feed health. A zombie feed (connected but
// silent) degrades the response without failing it.
func (s *Server) health(c *gin.Context) {
	healthy := s.Feed != nil && s.Feed.Healthy()
	state := "UNKNOWN"
	if s.Feed != nil {
		state = s.Feed.State().String()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"feed_state":   state,
		"feed_healthy": healthy,
		"time":         time.Now().UTC(),
	})
}

func (s *Server) getStatus(c *gin.Context) {
	active := 0
	if s.Manager != nil {
		active = len(s.Manager.ActiveOrders())
	}
	c.JSON(http.StatusOK, gin.H{
		"paper":         s.Meta.Paper,
		"instruments":   s.Meta.Instruments,
		"version":       s.Meta.Version,
		"active_orders": active,
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics disabled"})
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getActiveOrders(c *gin.Context) {
	var out []gin.H
	for _, o := range s.Manager.ActiveOrders() {
		out = append(out, orderJSON(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out, "count": len(out)})
}

func (s *Server) getClosedOrders(c *gin.Context) {
	var out []gin.H
	for _, o := range s.Manager.ClosedOrders() {
		j := orderJSON(o)
		j["exit_price"] = o.ExitPrice
		j["exit_reason"] = o.ExitReason
		j["pnl"] = o.RealizedPnL
		out = append(out, j)
	}
	c.JSON(http.StatusOK, gin.H{"orders": out, "count": len(out)})
}

// closeOrder squares off a filled order at an operator-stated price. The
// lifecycle manager refuses illegal transitions, so a repeated or premature
// close is a no-op there; the 404 here only covers unknown ids.
func (s *Server) closeOrder(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Price float64 `json:"price" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price must be a positive number"})
		return
	}

	found := false
	for _, o := range s.Manager.ActiveOrders() {
		if o.ID == id {
			found = true
			break
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}

	s.Manager.Close(c.Request.Context(), id, req.Price, lifecycle.ExitManual)
	c.JSON(http.StatusOK, gin.H{"id": id, "requested_exit": req.Price})
}

func (s *Server) getLedger(c *gin.Context) {
	day := s.Ledger.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"date":         day.Date,
		"realized_pnl": day.RealizedPnL,
		"trade_count":  day.TradeCount,
		"wins":         day.Wins,
		"losses":       day.Losses,
		"weekly_pnl":   s.Ledger.WeeklyPnL(),
	})
}

func orderJSON(o lifecycle.ActiveOrder) gin.H {
	return gin.H{
		"id":         o.ID,
		"instrument": o.Signal.Instrument,
		"contract":   o.Contract.Symbol,
		"qty":        o.Qty,
		"entry":      o.EntryPrice,
		"target":     o.Target,
		"stop_loss":  o.StopLoss,
		"status":     o.Status,
		"paper":      o.Paper,
	}
}

// Run serves until the listener fails; call from its own goroutine.
func (s *Server) Run(addr string) error {
	return s.Router.Run(addr)
}
