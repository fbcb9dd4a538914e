// Package attestation implements the Event Attestation Engine (C3): a
// parallel fan-out across configured disaster-data providers, heterogeneous
// JSON extraction, deduplication, and proximity/coverage/severity scoring.
package attestation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"golang.org/x/time/rate"

	"github.com/aidchain/orchestrator/internal/logging"
)

// ProviderKind selects the JSONPath mapping used to normalise a provider's
// response envelope into ProviderEvent records. Real disaster-data feeds
// (GDACS, ReliefWeb, and similar) disagree on envelope shape even when the
// underlying fields are the same.
type ProviderKind string

const (
	KindGDACS      ProviderKind = "gdacs"
	KindReliefWeb  ProviderKind = "reliefweb"
	KindGeneric    ProviderKind = "generic"
)

// ProviderEvent is the normalised shape every provider's payload is
// projected into before scoring.
type ProviderEvent struct {
	EventID      string
	Class        string
	Severity     string
	Region       string
	CentreLatE7  int64
	CentreLngE7  int64
	RadiusKM     float64
	Active       bool
	Timestamp    time.Time
	Source       string
}

// mapping describes, per ProviderKind, the JSONPath expression that yields
// the array of raw event objects and the field paths within each object.
type mapping struct {
	eventsPath string
	fields     map[string]string
}

var mappings = map[ProviderKind]mapping{
	KindGDACS: {
		eventsPath: "$.events",
		fields: map[string]string{
			"id": "$.eventid", "class": "$.eventtype", "severity": "$.alertlevel",
			"region": "$.country", "lat": "$.lat", "lng": "$.lon",
			"radius_km": "$.radius", "active": "$.iscurrent",
		},
	},
	KindReliefWeb: {
		eventsPath: "$.data",
		fields: map[string]string{
			"id": "$.id", "class": "$.fields.type", "severity": "$.fields.severity",
			"region": "$.fields.country", "lat": "$.fields.lat", "lng": "$.fields.lon",
			"radius_km": "$.fields.radius_km", "active": "$.fields.status",
		},
	},
	KindGeneric: {
		eventsPath: "$.events",
		fields: map[string]string{
			"id": "$.id", "class": "$.class", "severity": "$.severity",
			"region": "$.region", "lat": "$.lat", "lng": "$.lng",
			"radius_km": "$.radius_km", "active": "$.active",
		},
	},
}

// Endpoint configures one queryable disaster-data provider.
type Endpoint struct {
	Name   string
	Kind   ProviderKind
	URL    string
	APIKey string
	RPS    float64
}

// Provider queries one disaster-data endpoint over HTTP and projects its
// response into ProviderEvent records via the endpoint's JSONPath mapping.
type Provider struct {
	endpoint Endpoint
	client   *http.Client
	limiter  *rate.Limiter
	log      logging.Logger
}

// NewProvider constructs a rate-limited client for one endpoint.
func NewProvider(ep Endpoint, timeout time.Duration, log logging.Logger) *Provider {
	rps := ep.RPS
	if rps <= 0 {
		rps = 5
	}
	return &Provider{
		endpoint: ep,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		log:      log.WithComponent("attestation.provider." + ep.Name),
	}
}

// Query fetches and normalises events near (lat, lng) within radiusKM.
func (p *Provider) Query(ctx context.Context, lat, lng, radiusKM float64) ([]ProviderEvent, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("provider %s: rate limit wait: %w", p.endpoint.Name, err)
	}

	url := fmt.Sprintf("%s?lat=%f&lng=%f&radius_km=%f", p.endpoint.URL, lat, lng, radiusKM)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("provider %s: build request: %w", p.endpoint.Name, err)
	}
	if p.endpoint.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.endpoint.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider %s: request: %w", p.endpoint.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider %s: status %d", p.endpoint.Name, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("provider %s: read body: %w", p.endpoint.Name, err)
	}

	return p.extract(raw)
}

func (p *Provider) extract(raw []byte) ([]ProviderEvent, error) {
	m, ok := mappings[p.endpoint.Kind]
	if !ok {
		m = mappings[KindGeneric]
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("provider %s: decode json: %w", p.endpoint.Name, err)
	}

	rawEvents, err := jsonpath.Get(m.eventsPath, doc)
	if err != nil {
		return nil, fmt.Errorf("provider %s: jsonpath %s: %w", p.endpoint.Name, m.eventsPath, err)
	}
	list, ok := rawEvents.([]interface{})
	if !ok {
		return nil, nil
	}

	events := make([]ProviderEvent, 0, len(list))
	for _, item := range list {
		ev, err := p.projectOne(m, item)
		if err != nil {
			p.log.Warn().Err(err).Msg("skipping malformed provider event")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (p *Provider) projectOne(m mapping, item interface{}) (ProviderEvent, error) {
	get := func(key string) (interface{}, error) {
		path, ok := m.fields[key]
		if !ok {
			return nil, fmt.Errorf("no mapping for %s", key)
		}
		return jsonpath.Get(path, item)
	}

	id, _ := get("id")
	class, _ := get("class")
	severity, _ := get("severity")
	region, _ := get("region")
	lat, err := get("lat")
	if err != nil {
		return ProviderEvent{}, err
	}
	lng, err := get("lng")
	if err != nil {
		return ProviderEvent{}, err
	}
	radius, _ := get("radius_km")
	active, _ := get("active")

	return ProviderEvent{
		EventID:     fmt.Sprintf("%v", id),
		Class:       fmt.Sprintf("%v", class),
		Severity:    fmt.Sprintf("%v", severity),
		Region:      fmt.Sprintf("%v", region),
		CentreLatE7: int64(toFloat(lat) * 1e7),
		CentreLngE7: int64(toFloat(lng) * 1e7),
		RadiusKM:    toFloat(radius),
		Active:      toBool(active),
		Timestamp:   time.Now().UTC(),
		Source:      p.endpoint.Name,
	}, nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

func toBool(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "current" || b == "ongoing" || b == "1"
	default:
		return false
	}
}
