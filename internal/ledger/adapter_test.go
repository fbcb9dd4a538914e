package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aidchain/orchestrator/internal/canonical"
	"github.com/aidchain/orchestrator/internal/domain"
	"github.com/aidchain/orchestrator/internal/logging"
)

func exampleTranscript() domain.ConsensusTranscript {
	return domain.ConsensusTranscript{
		NodeCount: 5, ValidCount: 5, ApprovalCount: 5, Approved: true,
		ChosenAidClass: domain.AidMedical, ChosenFulfiller: domain.FulfillerAerial,
		CostEstimate: 150, AverageConfidence: 90,
	}
}

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) InvokeRead(ctx context.Context, scriptHash, method string, params []interface{}) (interface{}, error) {
	args := m.Called(ctx, scriptHash, method, params)
	return args.Get(0), args.Error(1)
}

func (m *mockBackend) InvokeWrite(ctx context.Context, scriptHash, method string, params []interface{}) (string, error) {
	args := m.Called(ctx, scriptHash, method, params)
	return args.String(0), args.Error(1)
}

func (m *mockBackend) BlockCount(ctx context.Context) (uint32, error) {
	args := m.Called(ctx)
	return uint32(args.Int(0)), args.Error(1)
}

func (m *mockBackend) Notifications(ctx context.Context, from, to uint32) ([]RawEvent, error) {
	args := m.Called(ctx, from, to)
	res, _ := args.Get(0).([]RawEvent)
	return res, args.Error(1)
}

func newTestAdapter(t *testing.T) (*Adapter, *mockBackend) {
	backend := &mockBackend{}
	log := logging.New(logging.Options{Level: "error"})
	cfg := Config{GatewayHash: "0xgateway", RegistryHash: "0xregistry", EscrowHash: "0xescrow", Retry: BackoffSchedule{Attempts: 1}}
	return New(backend, cfg, log), backend
}

func TestGetRequest_Parses(t *testing.T) {
	adapter, backend := newTestAdapter(t)

	tuple := []interface{}{
		"7", "NRequesterAddr1", "0", "1", "-170523000", "368714000",
		"0000000000000000000000000000000000000000000000000000000000000000",
		"0", "1700000000",
	}
	backend.On("InvokeRead", mock.Anything, "0xgateway", "getRequest", []interface{}{uint64(7)}).
		Return(tuple, nil)

	req, err := adapter.GetRequest(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), req.ID)
	require.Equal(t, "NRequesterAddr1", req.Requester)
	require.EqualValues(t, 0, req.AidClass)
	require.EqualValues(t, 1, req.Urgency)
	require.Equal(t, int64(-170523000), req.LatE7)
	require.Equal(t, int64(368714000), req.LngE7)
}

func TestGetPoolStats_Parses(t *testing.T) {
	adapter, backend := newTestAdapter(t)
	backend.On("InvokeRead", mock.Anything, "0xescrow", "getPoolStats", ([]interface{})(nil)).
		Return([]interface{}{"1000000000", "250000000", "100000000", "650000000"}, nil)

	stats, err := adapter.GetPoolStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000_000), stats.Deposited)
	require.Equal(t, int64(250_000_000), stats.Escrowed)
	require.Equal(t, int64(100_000_000), stats.PaidOut)
	require.Equal(t, int64(650_000_000), stats.Available)
}

func TestSubmitConsensus_ReturnsTxHash(t *testing.T) {
	adapter, backend := newTestAdapter(t)
	backend.On("InvokeWrite", mock.Anything, "0xgateway", "submitConsensus", mock.Anything).
		Return("0xdeadbeef", nil)

	digest, err := canonical.Hash(map[string]int{"a": 1})
	require.NoError(t, err)

	txHash, err := adapter.SubmitConsensus(context.Background(), 7, exampleTranscript(), digest)
	require.NoError(t, err)
	require.Equal(t, "0xdeadbeef", txHash)
}

func TestInvokeWrite_UnavailableSurfacesImmediately(t *testing.T) {
	adapter, backend := newTestAdapter(t)
	backend.On("InvokeWrite", mock.Anything, "0xescrow", "releasePayout", mock.Anything).
		Return("", newError(ErrKindUnavailable, "invoke_write", nil))

	_, err := adapter.ReleasePayout(context.Background(), 7)
	require.Error(t, err)
	ledgerErr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, ErrKindUnavailable, ledgerErr.Kind)
}
