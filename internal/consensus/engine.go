// Package consensus implements the LLM Consensus Engine (C4): parallel
// fan-out to N heterogeneous model endpoints, structured-verdict parsing,
// supermajority approval, and plurality/median aggregation.
package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/aidchain/orchestrator/internal/canonical"
	"github.com/aidchain/orchestrator/internal/domain"
	"github.com/aidchain/orchestrator/internal/logging"
)

// Endpoint configures one LLM node in the consensus panel.
type Endpoint struct {
	NodeID  string
	ModelID string
	BaseURL string
	APIKey  string
	RPS     float64
}

// RequestContext is the attested data fed into the structured prompt
// (§4.4 step 1).
type RequestContext struct {
	RequestID        uint64
	AidClass         domain.AidClass
	Urgency          domain.Urgency
	AuthenticatedLat float64
	AuthenticatedLng float64
	AccuracyMeters   float64
	EventClass       string
	EventSeverity    string
	EventRegion      string
	DistanceToEventKM float64
	SourceCount      int
}

const quorumFloor = 3

// Engine dispatches the consensus prompt to every configured node.
type Engine struct {
	nodes       []*node
	nodeTimeout time.Duration
	log         logging.Logger
}

type node struct {
	endpoint Endpoint
	client   *http.Client
	limiter  *rate.Limiter
}

// New constructs an Engine over the given endpoint panel.
func New(endpoints []Endpoint, nodeTimeout time.Duration, log logging.Logger) *Engine {
	nodes := make([]*node, 0, len(endpoints))
	for _, ep := range endpoints {
		rps := ep.RPS
		if rps <= 0 {
			rps = 2
		}
		nodes = append(nodes, &node{
			endpoint: ep,
			client:   &http.Client{Timeout: nodeTimeout},
			limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		})
	}
	return &Engine{nodes: nodes, nodeTimeout: nodeTimeout, log: log.WithComponent("consensus.engine")}
}

// RunConsensus executes the §4.4 protocol end to end.
func (e *Engine) RunConsensus(ctx context.Context, rc RequestContext) (*domain.ConsensusTranscript, error) {
	prompt := buildPrompt(rc)
	verdicts := e.fanOut(ctx, prompt)

	valid := make([]domain.NodeVerdict, 0, len(verdicts))
	for _, v := range verdicts {
		if v.Valid {
			valid = append(valid, v)
		}
	}

	transcript := &domain.ConsensusTranscript{
		NodeCount: len(verdicts),
		ValidCount: len(valid),
		Nodes:     verdicts,
	}

	if len(valid) < quorumFloor {
		transcript.Approved = false
		transcript.RejectReason = "InsufficientNodes"
		return transcript, nil
	}

	approving := make([]domain.NodeVerdict, 0, len(valid))
	for _, v := range valid {
		if v.Approved {
			approving = append(approving, v)
		}
	}
	transcript.ApprovalCount = len(approving)

	approved := 3*transcript.ApprovalCount > 2*transcript.ValidCount
	transcript.Approved = approved
	if !approved {
		transcript.RejectReason = "SupermajorityNotReached"
		return transcript, nil
	}

	transcript.ChosenAidClass = pluralityAidClass(approving)
	transcript.ChosenFulfiller = pluralityFulfillerClass(approving)
	transcript.CostEstimate = medianCost(approving)
	transcript.AverageConfidence = meanConfidence(approving)

	return transcript, nil
}

// Digest returns the canonical hash anchored on-ledger (§4.4 step 7).
func Digest(t *domain.ConsensusTranscript) (canonical.Digest, error) {
	return t.Digest()
}

func buildPrompt(rc RequestContext) string {
	var sb strings.Builder
	sb.WriteString("You are evaluating a humanitarian aid request. Respond with a single JSON object only — no prose, no code fences.\n\n")
	fmt.Fprintf(&sb, "Requested aid class: %s\n", rc.AidClass)
	fmt.Fprintf(&sb, "Urgency: %s\n", rc.Urgency)
	fmt.Fprintf(&sb, "Authenticated location: %.6f, %.6f (accuracy %.1fm)\n", rc.AuthenticatedLat, rc.AuthenticatedLng, rc.AccuracyMeters)
	fmt.Fprintf(&sb, "Attested event: class=%s severity=%s region=%s distance=%.1fkm sources=%d\n",
		rc.EventClass, rc.EventSeverity, rc.EventRegion, rc.DistanceToEventKM, rc.SourceCount)
	sb.WriteString("\nReturn JSON with fields: approved (bool), reason (string), recommended_aid (0-5), ")
	sb.WriteString("fulfiller_type (0=aerial,1=human), estimated_cost (integer minor units), confidence (0-100), priority_score (1-10).")
	return sb.String()
}

// fanOut dispatches prompt to every node in parallel, joined before return
// (§4.4 step 2).
func (e *Engine) fanOut(ctx context.Context, prompt string) []domain.NodeVerdict {
	verdicts := make([]domain.NodeVerdict, len(e.nodes))
	var wg sync.WaitGroup

	for i, n := range e.nodes {
		i, n := i, n
		wg.Add(1)
		go func() {
			defer wg.Done()
			verdicts[i] = e.callNode(ctx, n, prompt)
		}()
	}
	wg.Wait()
	return verdicts
}

func (e *Engine) callNode(ctx context.Context, n *node, prompt string) domain.NodeVerdict {
	start := time.Now()
	verdict := domain.NodeVerdict{NodeID: n.endpoint.NodeID, ModelID: n.endpoint.ModelID}

	if err := n.limiter.Wait(ctx); err != nil {
		verdict.Reason = "rate limiter: " + err.Error()
		return verdict
	}

	nodeCtx, cancel := context.WithTimeout(ctx, e.nodeTimeout)
	defer cancel()

	raw, err := n.invoke(nodeCtx, prompt)
	verdict.Latency = time.Since(start)
	if err != nil {
		e.log.Warn().Err(err).Str("node_id", n.endpoint.NodeID).Msg("llm node call failed")
		verdict.Reason = err.Error()
		return verdict
	}

	return parseVerdict(n.endpoint.NodeID, n.endpoint.ModelID, raw, verdict.Latency)
}

func (n *node) invoke(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"model":  n.endpoint.ModelID,
		"prompt": prompt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint.BaseURL+"/v1/complete", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.endpoint.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.endpoint.APIKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}

// stripCodeFences removes ``` / ```json wrappers some models add despite
// instructions, per §4.4 step 3.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func parseVerdict(nodeID, modelID, raw string, latency time.Duration) domain.NodeVerdict {
	verdict := domain.NodeVerdict{NodeID: nodeID, ModelID: modelID, Latency: latency}

	cleaned := stripCodeFences(raw)
	if !gjson.Valid(cleaned) {
		verdict.Reason = "invalid json in model response"
		return verdict
	}

	parsed := gjson.Parse(cleaned)
	verdict.Valid = true
	verdict.Approved = parsed.Get("approved").Bool()
	verdict.Reason = parsed.Get("reason").String()
	verdict.RecommendedAid = domain.AidClass(parsed.Get("recommended_aid").Int())
	verdict.FulfillerType = domain.FulfillerClass(parsed.Get("fulfiller_type").Int())
	verdict.EstimatedCost = parsed.Get("estimated_cost").Int()
	verdict.Confidence = int(parsed.Get("confidence").Int())
	verdict.PriorityScore = int(parsed.Get("priority_score").Int())
	return verdict
}

func pluralityAidClass(verdicts []domain.NodeVerdict) domain.AidClass {
	counts := map[domain.AidClass]int{}
	for _, v := range verdicts {
		counts[v.RecommendedAid]++
	}
	return pluralityClass(counts)
}

func pluralityFulfillerClass(verdicts []domain.NodeVerdict) domain.FulfillerClass {
	counts := map[domain.FulfillerClass]int{}
	for _, v := range verdicts {
		counts[v.FulfillerType]++
	}
	var classes []domain.FulfillerClass
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	best := classes[0]
	for _, c := range classes[1:] {
		if counts[c] > counts[best] {
			best = c
		}
	}
	return best
}

func pluralityClass(counts map[domain.AidClass]int) domain.AidClass {
	var classes []domain.AidClass
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	best := classes[0]
	for _, c := range classes[1:] {
		if counts[c] > counts[best] {
			best = c
		}
	}
	return best
}

// medianCost returns the lower median on even counts (§4.4 step 6).
func medianCost(verdicts []domain.NodeVerdict) int64 {
	costs := make([]int64, len(verdicts))
	for i, v := range verdicts {
		costs[i] = v.EstimatedCost
	}
	sort.Slice(costs, func(i, j int) bool { return costs[i] < costs[j] })

	n := len(costs)
	if n%2 == 1 {
		return costs[n/2]
	}
	return costs[n/2-1]
}

func meanConfidence(verdicts []domain.NodeVerdict) float64 {
	if len(verdicts) == 0 {
		return 0
	}
	var sum float64
	for _, v := range verdicts {
		sum += float64(v.Confidence)
	}
	return sum / float64(len(verdicts))
}
