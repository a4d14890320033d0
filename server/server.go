// Package server exposes the HTTP API: fill, intent, postback, reports,
// delivery health, and liveness. Command semantics live in engine; this
// package only translates HTTP to commands and errors to wire codes.
package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/crystalford/flyback/delivery"
	"github.com/crystalford/flyback/engine"
	"github.com/crystalford/flyback/log"
	"github.com/crystalford/flyback/metrics"
	"github.com/crystalford/flyback/ratelimit"
	"github.com/crystalford/flyback/report"
)

// Server routes HTTP requests to the command engine.
type Server struct {
	eng     *engine.Engine
	pump    *delivery.Pump
	limiter *ratelimit.Limiter
	logger  *log.Logger
	metrics *metrics.Collector
	router  *gin.Engine
}

// New builds the router. The pump and limiter may be nil; the delivery
// surface then reports disabled and requests are not limited.
func New(eng *engine.Engine, pump *delivery.Pump, limiter *ratelimit.Limiter, logger *log.Logger, collector *metrics.Collector) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		eng:     eng,
		pump:    pump,
		limiter: limiter,
		logger:  logger,
		metrics: collector,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), securityHeaders(), s.rateLimit())

	v1 := r.Group("/v1")
	v1.POST("/fill", s.handleFill)
	v1.POST("/intent", s.handleIntent)
	v1.GET("/postback", s.handlePostback)
	v1.GET("/reports", s.handleReports)
	v1.GET("/delivery", s.handleDelivery)
	r.GET("/healthz", s.handleHealthz)

	s.router = r
	return s
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler { return s.router }

type fillRequest struct {
	PublisherID string `json:"publisher_id"`
	Size        string `json:"size"`
}

func (s *Server) handleFill(c *gin.Context) {
	var req fillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := s.eng.Fill(req.PublisherID, req.Size)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleIntent(c *gin.Context) {
	var params engine.IntentParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	tok, err := s.eng.Intent(params)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

// handlePostback accepts resolution callbacks as a GET with query
// parameters; tracking pixels cannot send bodies.
func (s *Server) handlePostback(c *gin.Context) {
	tokenID := c.Query("token_id")

	value := 0.0
	if raw := c.Query("value"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_value"})
			return
		}
		value = parsed
	}

	result, err := s.eng.Postback(tokenID, value, c.Query("stage"), c.Query("outcome_type"))
	if err != nil {
		// Gone replies still carry the token so the caller can observe
		// the expired status.
		var rej *engine.RejectError
		if errors.As(err, &rej) && result != nil {
			c.JSON(rej.Status, gin.H{
				"error":  rej.Code,
				"status": result.Status,
				"token":  result.Token,
			})
			return
		}
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleReports(c *gin.Context) {
	publisherID := c.Query("publisher_id")
	if publisherID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "publisher_required"})
		return
	}

	// An elapsed window must rotate before the view is built, so the
	// report never presents a stale window as live.
	if err := s.eng.FreshenWindow(); err != nil {
		s.abortError(c, err)
		return
	}

	opts := report.Options{}
	if v := c.Query("include_selections"); v == "true" || v == "1" {
		opts.IncludeSelections = true
		opts.Selections = s.eng.Selection().Decisions(report.RecentSelections)
	}
	if s.pump != nil {
		h := s.pump.Health()
		opts.Delivery = &h
	}

	r := report.Build(s.eng.Projection().View(), s.eng.Registry(), publisherID, opts, s.logger)
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "publisher_unknown"})
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) handleDelivery(c *gin.Context) {
	if s.pump == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, s.pump.Health())
}

func (s *Server) handleHealthz(c *gin.Context) {
	role := engine.RoleWriter
	if s.eng.Replica() {
		role = engine.RoleReplica
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"role":        role,
		"applied_seq": s.eng.Projection().AppliedSeq(),
		"last_seq":    s.eng.Log().LastSeq(),
	})
}

// abortError maps engine errors to wire responses. Rejections carry
// their own status and code; anything else is an opaque 500.
func (s *Server) abortError(c *gin.Context, err error) {
	var rej *engine.RejectError
	if errors.As(err, &rej) {
		c.JSON(rej.Status, gin.H{"error": rej.Code})
		return
	}
	if s.logger != nil {
		s.logger.Error("request failed", map[string]any{
			"path":  c.Request.URL.Path,
			"error": err.Error(),
		})
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}
