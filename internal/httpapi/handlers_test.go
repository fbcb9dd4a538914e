package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/aidchain/orchestrator/internal/attestation"
	"github.com/aidchain/orchestrator/internal/bus"
	"github.com/aidchain/orchestrator/internal/consensus"
	"github.com/aidchain/orchestrator/internal/domain"
	"github.com/aidchain/orchestrator/internal/fulfill"
	"github.com/aidchain/orchestrator/internal/gnss"
	"github.com/aidchain/orchestrator/internal/ledger"
	"github.com/aidchain/orchestrator/internal/logging"
	"github.com/aidchain/orchestrator/internal/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubBackend is a minimal ledger.Backend: every write succeeds and the one
// registered fulfiller is aerial, enough to drive a submission through to
// AwaitingDelivery without a live chain.
type stubBackend struct {
	fulfillerAddr, fulfillerEndpoint string
}

func (b *stubBackend) InvokeRead(ctx context.Context, scriptHash, method string, params []interface{}) (interface{}, error) {
	if method == "getApprovedFulfillers" {
		return []interface{}{
			[]interface{}{b.fulfillerAddr, int64(domain.FulfillerAerial), b.fulfillerEndpoint},
		}, nil
	}
	return nil, fmt.Errorf("unexpected read method %s", method)
}

func (b *stubBackend) InvokeWrite(ctx context.Context, scriptHash, method string, params []interface{}) (string, error) {
	return "0xabc", nil
}

func (b *stubBackend) BlockCount(ctx context.Context) (uint32, error) { return 0, nil }

func (b *stubBackend) Notifications(ctx context.Context, from, to uint32) ([]ledger.RawEvent, error) {
	return nil, nil
}

func healthySatellites() []gnss.SatelliteSample {
	return []gnss.SatelliteSample{
		{PRN: 1, ElevationDeg: 10, CNRatioDB: 38, AuthChainValid: true},
		{PRN: 2, ElevationDeg: 25, CNRatioDB: 44, AuthChainValid: true},
		{PRN: 3, ElevationDeg: 55, CNRatioDB: 41, AuthChainValid: true},
		{PRN: 4, ElevationDeg: 70, CNRatioDB: 47, AuthChainValid: true},
	}
}

// testHarness wires a full Server over fake backing services, matching the
// happy-path integration style of pipeline/orchestrator_test.go.
type testHarness struct {
	router *gin.Engine
	orch   *pipeline.Orchestrator
	issuer *TokenIssuer
	token  string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	log := logging.New(logging.Options{})

	eventSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"events":[{"eventid":"flood-1","eventtype":"flood","alertlevel":"critical","country":"MZ","lat":-17.05,"lon":36.87,"radius":20,"iscurrent":true}]}`))
	}))
	t.Cleanup(eventSrv.Close)

	var llmEndpoints []consensus.Endpoint
	for i, cost := range []int64{120, 140, 150, 160, 200} {
		cost := cost
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"approved":true,"reason":"ok","recommended_aid":0,"fulfiller_type":0,"estimated_cost":%d,"confidence":80,"priority_score":5}`, cost)
		}))
		t.Cleanup(srv.Close)
		llmEndpoints = append(llmEndpoints, consensus.Endpoint{NodeID: fmt.Sprintf("node-%d", i), ModelID: "m", BaseURL: srv.URL, RPS: 50})
	}

	dispatchSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"eta_seconds":600}`))
	}))
	t.Cleanup(dispatchSrv.Close)

	backend := &stubBackend{fulfillerAddr: "NXaerial", fulfillerEndpoint: dispatchSrv.URL}
	ledgerAdp := ledger.New(backend, ledger.Config{GatewayHash: "0xgw", RegistryHash: "0xreg", EscrowHash: "0xesc"}, log)

	gnssClient := gnss.New("", gnss.Config{
		MinSatellites: 4, CNRStdDevThresholdDB: 0.5, ElevationDeltaDB: 5, PositionToleranceM: 50, Timeout: 5 * time.Second,
	}, log)

	providers := []*attestation.Provider{
		attestation.NewProvider(attestation.Endpoint{Name: "gdacs", Kind: attestation.KindGDACS, URL: eventSrv.URL, RPS: 50}, 5*time.Second, log),
	}
	attestEngine := attestation.New(providers, log)
	consensusEngine := consensus.New(llmEndpoints, 5*time.Second, log)

	registry := fulfill.NewStaticRegistry(map[domain.FulfillerClass]fulfill.Entry{
		domain.FulfillerAerial: {Address: "NXaerial", Endpoint: dispatchSrv.URL},
	})
	dispatcher := fulfill.New(registry, 5*time.Second, log)

	eventBus := bus.New(16)

	orch := pipeline.New(ledgerAdp, gnssClient, attestEngine, consensusEngine, dispatcher, eventBus, pipeline.Config{
		DeliveryTimeoutWindow: 5 * time.Second,
		AerialToleranceMeters: 30,
		EventSearchRadiusKM:   100,
	}, log)

	issuer := NewTokenIssuer([]byte("test-signing-key"), time.Hour, time.Minute)
	token, _, err := issuer.Issue("NXrequester", true, "dev-1")
	require.NoError(t, err)

	server := NewServer(ledgerAdp, orch, eventBus, issuer, "", providers, log)

	return &testHarness{router: server.Router(), orch: orch, issuer: issuer, token: token}
}

func (h *testHarness) do(method, path string, body interface{}, authed bool) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func submitBody(aidType int, lat, lng float64) gin.H {
	return gin.H{
		"aid_type": aidType,
		"urgency":  1,
		"lat":      lat,
		"lng":      lng,
		"device_id": "dev-1",
		"gnss_data": gnss.RawSignalBundle{
			DeviceID:           "dev-1",
			Satellites:         healthySatellites(),
			AuthKeyID:          "key-1",
			PseudorangeLatE7:   int64(lat * 1e7),
			PseudorangeLngE7:   int64(lng * 1e7),
			AtomicTimestampRaw: 1700000000,
		},
	}
}

func TestHandleSubmitRequest_AidTypeZeroMedicalAccepted(t *testing.T) {
	h := newTestHarness(t)

	rr := h.do(http.MethodPost, "/api/requests", submitBody(int(domain.AidMedical), -17.0523, 36.8714), true)

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
}

func TestHandleSubmitRequest_RejectsOutOfRangeAidType(t *testing.T) {
	h := newTestHarness(t)

	rr := h.do(http.MethodPost, "/api/requests", submitBody(6, -17.0523, 36.8714), true)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleSubmitRequest_AcceptsEquatorAndPrimeMeridian(t *testing.T) {
	h := newTestHarness(t)

	rr := h.do(http.MethodPost, "/api/requests", submitBody(int(domain.AidFood), 0, 0), true)

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
}

func TestHandleSubmitRequest_RejectsMissingLat(t *testing.T) {
	h := newTestHarness(t)

	body := submitBody(int(domain.AidFood), 0, 0)
	delete(body, "lat")

	rr := h.do(http.MethodPost, "/api/requests", body, true)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleConfirmDelivery_OutOfToleranceReportsFailed(t *testing.T) {
	h := newTestHarness(t)

	rr := h.do(http.MethodPost, "/api/requests", submitBody(int(domain.AidMedical), -17.0523, 36.8714), true)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var submitResp struct {
		RequestID uint64 `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &submitResp))

	require.Eventually(t, func() bool {
		rec, ok := h.orch.Registry().Get(submitResp.RequestID)
		return ok && rec.CurrentStage == domain.StageAwaitingDelivery
	}, 2*time.Second, 10*time.Millisecond)

	confirm := h.do(http.MethodPost, "/api/delivery/confirm", gin.H{
		"request_id": submitResp.RequestID,
		"class":      int(domain.FulfillerAerial),
		// far outside the 30m tolerance configured for this harness.
		"drop_lat":         -17.2000,
		"drop_lng":         37.1000,
		"image_digest_hex": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}, true)

	require.Equal(t, http.StatusBadRequest, confirm.Code)
	var body struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(confirm.Body.Bytes(), &body))
	require.Equal(t, "failed", body.Status)
	require.NotEmpty(t, body.Reason)
}

func TestHandleConfirmDelivery_WithinToleranceReportsSettled(t *testing.T) {
	h := newTestHarness(t)

	rr := h.do(http.MethodPost, "/api/requests", submitBody(int(domain.AidMedical), -17.0523, 36.8714), true)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var submitResp struct {
		RequestID uint64 `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &submitResp))

	require.Eventually(t, func() bool {
		rec, ok := h.orch.Registry().Get(submitResp.RequestID)
		return ok && rec.CurrentStage == domain.StageAwaitingDelivery
	}, 2*time.Second, 10*time.Millisecond)

	confirm := h.do(http.MethodPost, "/api/delivery/confirm", gin.H{
		"request_id":       submitResp.RequestID,
		"class":            int(domain.FulfillerAerial),
		"drop_lat":         -17.0523,
		"drop_lng":         36.8714,
		"image_digest_hex": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}, true)

	require.Equal(t, http.StatusOK, confirm.Code, confirm.Body.String())
	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(confirm.Body.Bytes(), &body))
	require.Equal(t, "settled", body.Status)
}

func TestHandleConfirmDelivery_NoPipelineAwaiting(t *testing.T) {
	h := newTestHarness(t)

	rr := h.do(http.MethodPost, "/api/delivery/confirm", gin.H{
		"request_id": uint64(999),
		"class":      int(domain.FulfillerAerial),
	}, true)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleWebhook_ParsesDeliverableRef(t *testing.T) {
	h := newTestHarness(t)

	rr := h.do(http.MethodPost, "/api/requests", submitBody(int(domain.AidMedical), -17.0523, 36.8714), true)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var submitResp struct {
		RequestID uint64 `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &submitResp))

	require.Eventually(t, func() bool {
		rec, ok := h.orch.Registry().Get(submitResp.RequestID)
		return ok && rec.CurrentStage == domain.StageAwaitingDelivery
	}, 2*time.Second, 10*time.Millisecond)

	webhook := h.do(http.MethodPost, "/api/webhooks/drone-fleet", gin.H{
		"deliverable_ref":  fmt.Sprintf("aidchain-%d", submitResp.RequestID),
		"class":            int(domain.FulfillerAerial),
		"drop_lat":         -17.0523,
		"drop_lng":         36.8714,
		"image_digest_hex": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}, false)

	require.Equal(t, http.StatusOK, webhook.Code, webhook.Body.String())
	var body struct {
		Received bool `json:"received"`
	}
	require.NoError(t, json.Unmarshal(webhook.Body.Bytes(), &body))
	require.True(t, body.Received)
}

func TestHandleWebhook_RejectsMalformedDeliverableRef(t *testing.T) {
	h := newTestHarness(t)

	rr := h.do(http.MethodPost, "/api/webhooks/drone-fleet", gin.H{
		"deliverable_ref": "not-an-aidchain-ref",
	}, false)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
}
