package consensus

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aidchain/orchestrator/internal/domain"
	"github.com/aidchain/orchestrator/internal/logging"
	"github.com/stretchr/testify/require"
)

func llmServer(t *testing.T, approved bool, cost int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"approved":%t,"reason":"ok","recommended_aid":0,"fulfiller_type":0,"estimated_cost":%d,"confidence":80,"priority_score":5}`, approved, cost)
	}))
}

func TestRunConsensus_ApprovesOnSupermajority(t *testing.T) {
	costs := []int64{120, 140, 150, 160, 200}
	var endpoints []Endpoint
	var servers []*httptest.Server
	for i, cost := range costs {
		srv := llmServer(t, true, cost)
		servers = append(servers, srv)
		endpoints = append(endpoints, Endpoint{NodeID: fmt.Sprintf("node-%d", i), ModelID: "m", BaseURL: srv.URL, RPS: 50})
	}
	t.Cleanup(func() {
		for _, s := range servers {
			s.Close()
		}
	})

	engine := New(endpoints, 5*time.Second, logging.New(logging.Options{}))
	transcript, err := engine.RunConsensus(context.Background(), RequestContext{})
	require.NoError(t, err)
	require.True(t, transcript.Approved)
	require.Equal(t, 5, transcript.ValidCount)
	require.Equal(t, 5, transcript.ApprovalCount)
	require.Equal(t, int64(150), transcript.CostEstimate)
}

func TestRunConsensus_SplitPanelFailsSupermajority(t *testing.T) {
	var endpoints []Endpoint
	var servers []*httptest.Server
	approvals := []bool{true, true, true, false, false}
	for i, approved := range approvals {
		srv := llmServer(t, approved, 100)
		servers = append(servers, srv)
		endpoints = append(endpoints, Endpoint{NodeID: fmt.Sprintf("node-%d", i), ModelID: "m", BaseURL: srv.URL, RPS: 50})
	}
	t.Cleanup(func() {
		for _, s := range servers {
			s.Close()
		}
	})

	engine := New(endpoints, 5*time.Second, logging.New(logging.Options{}))
	transcript, err := engine.RunConsensus(context.Background(), RequestContext{})
	require.NoError(t, err)
	require.False(t, transcript.Approved)
	require.Equal(t, "SupermajorityNotReached", transcript.RejectReason)
}

func TestRunConsensus_BelowQuorumFloor(t *testing.T) {
	var endpoints []Endpoint
	var servers []*httptest.Server
	for i := 0; i < 2; i++ {
		srv := llmServer(t, true, 100)
		servers = append(servers, srv)
		endpoints = append(endpoints, Endpoint{NodeID: fmt.Sprintf("node-%d", i), ModelID: "m", BaseURL: srv.URL, RPS: 50})
	}
	t.Cleanup(func() {
		for _, s := range servers {
			s.Close()
		}
	})

	engine := New(endpoints, 5*time.Second, logging.New(logging.Options{}))
	transcript, err := engine.RunConsensus(context.Background(), RequestContext{})
	require.NoError(t, err)
	require.False(t, transcript.Approved)
	require.Equal(t, "InsufficientNodes", transcript.RejectReason)
}

func TestStripCodeFences(t *testing.T) {
	require.Equal(t, `{"a":1}`, stripCodeFences("```json\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, stripCodeFences(`{"a":1}`))
}

func TestMedianCost_EvenCountTakesLowerMedian(t *testing.T) {
	verdicts := []domain.NodeVerdict{
		{EstimatedCost: 400}, {EstimatedCost: 100}, {EstimatedCost: 300}, {EstimatedCost: 200},
	}
	require.Equal(t, int64(200), medianCost(verdicts))
}
