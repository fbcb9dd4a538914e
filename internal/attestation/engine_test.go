package attestation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aidchain/orchestrator/internal/geo"
	"github.com/aidchain/orchestrator/internal/logging"
	"github.com/stretchr/testify/require"
)

func gdacsServer(t *testing.T, body string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVerifyEvent_SelectsHighestScoring(t *testing.T) {
	floodBody := `{"events":[{"eventid":"flood-1","eventtype":"flood","alertlevel":"critical","country":"MZ","lat":-17.05,"lon":36.87,"radius":20,"iscurrent":true}]}`
	srv := gdacsServer(t, floodBody)

	providers := []*Provider{
		NewProvider(Endpoint{Name: "gdacs", Kind: KindGDACS, URL: srv.URL, RPS: 50}, 5*time.Second, logging.New(logging.Options{})),
	}
	engine := New(providers, logging.New(logging.Options{}))

	point := geo.FromDegrees(-17.0523, 36.8714)
	attestation, err := engine.VerifyEvent(context.Background(), Query{LatE7: point.LatE7, LngE7: point.LngE7, RadiusKM: 100})
	require.NoError(t, err)
	require.Equal(t, "flood-1", attestation.EventID)
	require.True(t, attestation.Active)
	require.Contains(t, attestation.Sources, "gdacs")
}

func TestVerifyEvent_NoEventFound(t *testing.T) {
	srv := gdacsServer(t, `{"events":[]}`)
	providers := []*Provider{
		NewProvider(Endpoint{Name: "gdacs", Kind: KindGDACS, URL: srv.URL, RPS: 50}, 5*time.Second, logging.New(logging.Options{})),
	}
	engine := New(providers, logging.New(logging.Options{}))

	point := geo.FromDegrees(-17.0523, 36.8714)
	_, err := engine.VerifyEvent(context.Background(), Query{LatE7: point.LatE7, LngE7: point.LngE7, RadiusKM: 100})
	require.Error(t, err)
	var f *Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, FailNoEventFound, f.Kind)
}

func TestVerifyEvent_EventNotActive(t *testing.T) {
	body := `{"events":[{"eventid":"flood-2","eventtype":"flood","alertlevel":"moderate","country":"MZ","lat":-17.05,"lon":36.87,"radius":20,"iscurrent":false}]}`
	srv := gdacsServer(t, body)
	providers := []*Provider{
		NewProvider(Endpoint{Name: "gdacs", Kind: KindGDACS, URL: srv.URL, RPS: 50}, 5*time.Second, logging.New(logging.Options{})),
	}
	engine := New(providers, logging.New(logging.Options{}))

	point := geo.FromDegrees(-17.0523, 36.8714)
	_, err := engine.VerifyEvent(context.Background(), Query{LatE7: point.LatE7, LngE7: point.LngE7, RadiusKM: 100})
	require.Error(t, err)
	var f *Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, FailEventNotActive, f.Kind)
}

func TestDedupe_MergesSameClassWithinRadius(t *testing.T) {
	a := ProviderEvent{EventID: "a", Class: "flood", CentreLatE7: -170500000, CentreLngE7: 368700000, RadiusKM: 20, Active: true, Source: "gdacs"}
	b := ProviderEvent{EventID: "b", Class: "flood", CentreLatE7: -170510000, CentreLngE7: 368710000, RadiusKM: 20, Active: true, Source: "reliefweb"}

	merged := dedupe([]ProviderEvent{a, b})
	require.Len(t, merged, 1)
	require.ElementsMatch(t, []string{"gdacs", "reliefweb"}, merged[0].sources)
}
