package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aidchain/orchestrator/internal/attestation"
	"github.com/aidchain/orchestrator/internal/bus"
	"github.com/aidchain/orchestrator/internal/canonical"
	"github.com/aidchain/orchestrator/internal/consensus"
	"github.com/aidchain/orchestrator/internal/domain"
	"github.com/aidchain/orchestrator/internal/fulfill"
	"github.com/aidchain/orchestrator/internal/gnss"
	"github.com/aidchain/orchestrator/internal/ledger"
	"github.com/aidchain/orchestrator/internal/logging"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal ledger.Backend that always succeeds and returns
// one approved aerial fulfiller, enough to drive the pipeline to
// Settlement without a live chain.
type fakeBackend struct {
	fulfillerAddr string
	fulfillerEndpoint string
}

func (b *fakeBackend) InvokeRead(ctx context.Context, scriptHash, method string, params []interface{}) (interface{}, error) {
	if method == "getApprovedFulfillers" {
		return []interface{}{
			[]interface{}{b.fulfillerAddr, int64(domain.FulfillerAerial), b.fulfillerEndpoint},
		}, nil
	}
	return nil, fmt.Errorf("unexpected read method %s", method)
}

func (b *fakeBackend) InvokeWrite(ctx context.Context, scriptHash, method string, params []interface{}) (string, error) {
	return "0xabc", nil
}

func (b *fakeBackend) BlockCount(ctx context.Context) (uint32, error) { return 0, nil }

func (b *fakeBackend) Notifications(ctx context.Context, from, to uint32) ([]ledger.RawEvent, error) {
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

func TestOrchestrator_HappyAerialPath(t *testing.T) {
	log := logging.New(logging.Options{})

	eventSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"events":[{"eventid":"flood-1","eventtype":"flood","alertlevel":"critical","country":"MZ","lat":-17.05,"lon":36.87,"radius":20,"iscurrent":true}]}`))
	}))
	t.Cleanup(eventSrv.Close)

	costs := []int64{120, 140, 150, 160, 200}
	var llmEndpoints []consensus.Endpoint
	for i, cost := range costs {
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

	backend := &fakeBackend{fulfillerAddr: "NXaerial", fulfillerEndpoint: dispatchSrv.URL}
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
	sub := eventBus.SubscribeAll()
	defer sub.Close()

	orch := New(ledgerAdp, gnssClient, attestEngine, consensusEngine, dispatcher, eventBus, Config{
		DeliveryTimeoutWindow: 5 * time.Second,
		AerialToleranceMeters: 30,
		EventSearchRadiusKM:   100,
	}, log)

	rec := orch.Submit(context.Background(), SubmissionRequest{
		RequestID: 1,
		Requester: "NXrequester",
		AidClass:  domain.AidMedical,
		Urgency:   domain.UrgencyHigh,
		LatE7:     -170523000,
		LngE7:     368714000,
		DeviceID:  "dev-1",
		RawSignal: gnss.RawSignalBundle{
			DeviceID:           "dev-1",
			Satellites:         healthySatellites(),
			AuthKeyID:          "key-1",
			PseudorangeLatE7:   -170523000,
			PseudorangeLngE7:   368714000,
			AtomicTimestampRaw: 1700000000,
		},
	})
	require.Equal(t, uint64(1), rec.RequestID)

	// Wait for the pipeline to reach AwaitingDelivery, then confirm.
	require.Eventually(t, func() bool {
		r, ok := orch.registry.Get(1)
		return ok && r.CurrentStage == domain.StageAwaitingDelivery
	}, 2*time.Second, 10*time.Millisecond)

	confirmed := orch.ConfirmDelivery(1, domain.DeliveryProof{
		Class:         domain.FulfillerAerial,
		DropLatE7:     -170523100,
		DropLngE7:     368713800,
		PayloadDigest: mustDigest(t),
	})
	require.True(t, confirmed)

	require.Eventually(t, func() bool {
		_, ok := orch.registry.Get(1)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	var sawSettlement bool
	for {
		select {
		case ev := <-sub.Events():
			if ev.Stage == "settlement" && ev.Status == bus.StatusCompleted {
				sawSettlement = true
			}
		case <-time.After(200 * time.Millisecond):
			require.True(t, sawSettlement, "expected a settlement completed event")
			return
		}
	}
}

func mustDigest(t *testing.T) canonical.Digest {
	t.Helper()
	var d canonical.Digest
	d[0] = 1
	return d
}
