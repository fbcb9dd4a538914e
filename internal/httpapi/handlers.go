// Package httpapi implements the External Surface (C8): the HTTP/JSON API
// and the WebSocket progress stream. It is deliberately thin — it
// validates inputs, starts or resumes pipelines, and exposes the bus.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aidchain/orchestrator/internal/attestation"
	"github.com/aidchain/orchestrator/internal/bus"
	"github.com/aidchain/orchestrator/internal/domain"
	"github.com/aidchain/orchestrator/internal/gnss"
	"github.com/aidchain/orchestrator/internal/ledger"
	"github.com/aidchain/orchestrator/internal/logging"
	"github.com/aidchain/orchestrator/internal/pipeline"
)

// deliveryConfirmWaitTimeout bounds how long POST /api/delivery/confirm
// waits for the pipeline to reach a settlement verdict before falling back
// to a pending response.
const deliveryConfirmWaitTimeout = 20 * time.Second

// DisasterZone is one entry of the supplemented GET /api/disasters
// registry lookup (SPEC_FULL "SUPPLEMENTED FEATURES" §1).
type DisasterZone struct {
	ID       string  `json:"id"`
	Class    string  `json:"class"`
	Region   string  `json:"region"`
	LatE7    int64   `json:"lat_e7"`
	LngE7    int64   `json:"lng_e7"`
	RadiusKM float64 `json:"radius_km"`
	Active   bool    `json:"active"`
}

// Server holds C8's dependencies and mounts the routes.
type Server struct {
	ledgerAdp    *ledger.Adapter
	orchestrator *pipeline.Orchestrator
	eventBus     *bus.Bus
	issuer       *TokenIssuer
	webhookSecret string
	disasterProviders []*attestation.Provider
	requestSeq   uint64
	log          logging.Logger
}

// NewServer wires C8 over its dependencies.
func NewServer(ledgerAdp *ledger.Adapter, orch *pipeline.Orchestrator, eventBus *bus.Bus, issuer *TokenIssuer, webhookSecret string, disasterProviders []*attestation.Provider, log logging.Logger) *Server {
	return &Server{
		ledgerAdp:         ledgerAdp,
		orchestrator:      orch,
		eventBus:          eventBus,
		issuer:            issuer,
		webhookSecret:     webhookSecret,
		disasterProviders: disasterProviders,
		log:               log.WithComponent("httpapi"),
	}
}

// Router builds the gin engine with every route from §6 mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	api := r.Group("/api")
	api.POST("/requests", requireBearer(s.issuer), s.handleSubmitRequest)
	api.GET("/requests/:id", s.handleGetRequest)
	api.GET("/requests/:id/pipeline", s.handleGetPipeline)
	api.GET("/requests/user/:addr", s.handleGetUserRequests)
	api.POST("/delivery/confirm", requireBearer(s.issuer), s.handleConfirmDelivery)
	api.GET("/fund/stats", s.handleFundStats)
	api.GET("/pipeline/active", s.handleActivePipelines)
	api.POST("/auth/login", s.handleLogin)
	api.POST("/webhooks/:fulfiller", s.handleWebhook)
	api.GET("/disasters", s.handleDisasters)

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metricsHandler()))
	r.GET("/ws", s.handleWebSocket)

	return r
}

// submitRequestBody is the POST /api/requests wire body (§6). AidType, Lat
// and Lng are pointers because gin's `required` binding treats a zero
// value as absent: 0 is a legitimate aid type (medical) and 0.0 a
// legitimate equator/prime-meridian coordinate, while an omitted field
// stays nil and is rejected. AidType's range is checked below.
type submitRequestBody struct {
	AidType  *int                 `json:"aid_type" binding:"required"`
	Urgency  int                  `json:"urgency"`
	Lat      *float64             `json:"lat" binding:"required,min=-90,max=90"`
	Lng      *float64             `json:"lng" binding:"required,min=-180,max=180"`
	Details  string               `json:"details"`
	DeviceID string               `json:"device_id"`
	GnssData gnss.RawSignalBundle `json:"gnss_data" binding:"required"`
}

func (s *Server) handleSubmitRequest(c *gin.Context) {
	var body submitRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if *body.AidType < 0 || *body.AidType > int(domain.AidEvacuation) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "aid_type out of range"})
		return
	}

	claims, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing session"})
		return
	}

	point := latLngToE7(*body.Lat, *body.Lng)
	requestID := s.nextRequestID()

	rec := s.orchestrator.Submit(c.Request.Context(), pipeline.SubmissionRequest{
		RequestID: requestID,
		Requester: claims.Subject,
		AidClass:  domain.AidClass(*body.AidType),
		Urgency:   domain.Urgency(body.Urgency),
		LatE7:     point.LatE7,
		LngE7:     point.LngE7,
		DeviceID:  body.DeviceID,
		RawSignal: body.GnssData,
	})

	c.JSON(http.StatusAccepted, gin.H{
		"request_id":   rec.RequestID,
		"status":       "pipeline_started",
		"pipeline_url": "/api/requests/" + strconv.FormatUint(rec.RequestID, 10) + "/pipeline",
	})
}

func (s *Server) handleGetRequest(c *gin.Context) {
	id, err := parseRequestID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := s.ledgerAdp.GetRequest(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) handleGetPipeline(c *gin.Context) {
	id, err := parseRequestID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, ok := s.orchestrator.Registry().Get(id)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"status": "not_active"})
		return
	}

	resp := gin.H{
		"request_id":    rec.RequestID,
		"current_stage": rec.CurrentStage.String(),
		"elapsed_ms":    rec.ElapsedMillis(time.Now()),
		"stages":        stageTimeline(rec),
	}
	if rec.LastError != nil {
		resp["error"] = rec.LastError.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func stageTimeline(rec *domain.PipelineRecord) map[string]gin.H {
	timeline := make(map[string]gin.H, len(rec.StageEnteredAt))
	for stage, enteredAt := range rec.StageEnteredAt {
		entry := gin.H{"entered_at": enteredAt}
		if exitedAt, ok := rec.StageExitedAt[stage]; ok {
			entry["exited_at"] = exitedAt
		}
		timeline[stage.String()] = entry
	}
	return timeline
}

func (s *Server) handleGetUserRequests(c *gin.Context) {
	addr := c.Param("addr")
	ids, err := s.ledgerAdp.GetUserRequests(c.Request.Context(), addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "request_ids": ids})
}

// confirmDeliveryBody is the POST /api/delivery/confirm wire body (§6).
type confirmDeliveryBody struct {
	RequestID uint64 `json:"request_id" binding:"required"`
	Class     int    `json:"class"`
	DropLat   float64 `json:"drop_lat"`
	DropLng   float64 `json:"drop_lng"`
	ImageHex  string  `json:"image_digest_hex"`
	OfficerID string  `json:"officer_id"`
	Signature string  `json:"signature"`
}

func (s *Server) handleConfirmDelivery(c *gin.Context) {
	var body confirmDeliveryBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Subscribed before handing off the proof so the receipt-stage verdict
	// can never be published before the listener exists.
	sub := s.eventBus.Subscribe(body.RequestID)
	defer sub.Close()

	proof := deliveryProofFromBody(body)
	if !s.orchestrator.ConfirmDelivery(body.RequestID, proof) {
		c.JSON(http.StatusBadRequest, gin.H{"status": "failed", "reason": "no pipeline awaiting delivery for this request"})
		return
	}

	status, reason, timedOut := awaitSettlementOutcome(c.Request.Context(), sub, deliveryConfirmWaitTimeout)
	switch {
	case timedOut:
		// Verification/settlement is still running past the wait budget;
		// report pending rather than asserting an outcome nobody observed.
		c.JSON(http.StatusAccepted, gin.H{"status": "pending", "reason": "delivery verification still in progress"})
	case status == bus.StatusFailed:
		c.JSON(http.StatusBadRequest, gin.H{"status": "failed", "reason": reason})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "settled", "reason": reason})
	}
}

// awaitSettlementOutcome blocks until the pipeline reaches a terminal
// verdict for this delivery: the receipt stage (§4.5) failing outright, or
// the settlement stage (§4.6/stage 8) completing or failing, whichever
// happens first. A delivery outside tolerance is rejected at receipt, before
// settlement ever runs, so the caller sees "failed" and never a "settled" it
// hasn't observed; a delivery within tolerance is only reported "settled"
// once the payout has actually been released.
func awaitSettlementOutcome(ctx context.Context, sub *bus.Subscription, timeout time.Duration) (status bus.Status, reason string, timedOut bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return bus.StatusFailed, "pipeline ended without reporting a verdict", false
			}
			switch {
			case ev.Stage == domain.StageReceipt.String() && ev.Status == bus.StatusFailed:
				return bus.StatusFailed, ev.Message, false
			case ev.Stage == domain.StageSettlement.String() && (ev.Status == bus.StatusCompleted || ev.Status == bus.StatusFailed):
				return ev.Status, ev.Message, false
			}
		case <-deadline.C:
			return "", "", true
		case <-ctx.Done():
			return "", "", true
		}
	}
}

func (s *Server) handleFundStats(c *gin.Context) {
	stats, err := s.ledgerAdp.GetPoolStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_deposited":   strconv.FormatInt(stats.Deposited, 10),
		"total_escrowed":    strconv.FormatInt(stats.Escrowed, 10),
		"total_paid_out":    strconv.FormatInt(stats.PaidOut, 10),
		"available_balance": strconv.FormatInt(stats.Available, 10),
	})
}

func (s *Server) handleActivePipelines(c *gin.Context) {
	active := s.orchestrator.Registry().Active()
	out := make([]gin.H, 0, len(active))
	for _, rec := range active {
		entry := gin.H{
			"request_id":    rec.RequestID,
			"current_stage": rec.CurrentStage.String(),
			"elapsed_ms":    rec.ElapsedMillis(time.Now()),
		}
		if rec.LastError != nil {
			entry["error"] = rec.LastError.Error()
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, out)
}

// loginBody is the POST /api/auth/login wire body (§6).
type loginBody struct {
	Address   string `json:"address" binding:"required"`
	Signature string `json:"signature" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var body loginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !VerifyAddressSignature(body.Address, body.Message, body.Signature) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	// §9: the token's verified flag is a hint; the ledger registry remains
	// the write-gating authority for every subsequent action.
	verified, err := s.ledgerAdp.IsIdentityVerified(c.Request.Context(), body.Address)
	if err != nil {
		s.log.Warn().Err(err).Str("address", body.Address).Msg("identity check failed during login, defaulting to unverified")
	}

	token, expiresAt, err := s.issuer.Issue(body.Address, verified, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"address":    body.Address,
		"verified":   verified,
		"expires_in": int64(time.Until(expiresAt).Seconds()),
	})
}

func (s *Server) handleWebhook(c *gin.Context) {
	fulfillerName := c.Param("fulfiller")
	secret := c.GetHeader("X-AidChain-Secret")
	if s.webhookSecret != "" && secret != s.webhookSecret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
		return
	}

	var body struct {
		DeliverableRef string  `json:"deliverable_ref" binding:"required"`
		Class          int     `json:"class"`
		DropLat        float64 `json:"drop_lat"`
		DropLng        float64 `json:"drop_lng"`
		ImageHex       string  `json:"image_digest_hex"`
		OfficerID      string  `json:"officer_id"`
		Signature      string  `json:"signature"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	requestID, ok := parseDeliverableRef(body.DeliverableRef)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deliverable_ref does not match aidchain-{id}"})
		return
	}

	proof := deliveryProofFromBody(confirmDeliveryBody{
		RequestID: requestID, Class: body.Class, DropLat: body.DropLat, DropLng: body.DropLng,
		ImageHex: body.ImageHex, OfficerID: body.OfficerID, Signature: body.Signature,
	})

	s.orchestrator.ConfirmDelivery(requestID, proof)
	s.log.Info().Str("fulfiller", fulfillerName).Uint64("request_id", requestID).Msg("webhook delivery proof received")
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (s *Server) handleDisasters(c *gin.Context) {
	ctx := c.Request.Context()
	var zones []DisasterZone
	for _, p := range s.disasterProviders {
		events, err := p.Query(ctx, 0, 0, 20000)
		if err != nil {
			continue
		}
		for _, ev := range events {
			zones = append(zones, DisasterZone{
				ID: ev.EventID, Class: ev.Class, Region: ev.Region,
				LatE7: ev.CentreLatE7, LngE7: ev.CentreLngE7, RadiusKM: ev.RadiusKM, Active: ev.Active,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"disasters": zones})
}
