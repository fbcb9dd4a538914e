package ledger

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/aidchain/orchestrator/internal/canonical"
	"github.com/aidchain/orchestrator/internal/domain"
)

// The read methods on Backend.InvokeRead return a generic JSON-shaped Go
// value (produced from a VM stack item by NeoClient.stackItemToJSON, or
// supplied directly by a test fake). These helpers decode that shape into
// the typed domain records the adapter promises its callers.

func asSlice(v interface{}) ([]interface{}, error) {
	s, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", v)
	}
	return s, nil
}

func asString(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

func asInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseInt(t, 10, 64)
	case float64:
		return int64(t), nil
	case int64:
		return t, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func parseUint64(v interface{}) (uint64, error) {
	n, err := asInt64(v)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func parseUint64List(v interface{}) ([]uint64, error) {
	items, err := asSlice(v)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(items))
	for _, item := range items {
		n, err := parseUint64(item)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// parseAidRequest decodes the getRequest tuple:
// [id, requester, aidClass, urgency, latE7, lngE7, detailsDigestHex, status, createdAt]
func parseAidRequest(v interface{}) (domain.AidRequest, error) {
	items, err := asSlice(v)
	if err != nil {
		return domain.AidRequest{}, err
	}
	if len(items) < 9 {
		return domain.AidRequest{}, fmt.Errorf("expected 9 fields, got %d", len(items))
	}

	id, err := parseUint64(items[0])
	if err != nil {
		return domain.AidRequest{}, fmt.Errorf("id: %w", err)
	}
	requester, err := asString(items[1])
	if err != nil {
		return domain.AidRequest{}, fmt.Errorf("requester: %w", err)
	}
	aidClass, err := asInt64(items[2])
	if err != nil {
		return domain.AidRequest{}, fmt.Errorf("aid_class: %w", err)
	}
	urgency, err := asInt64(items[3])
	if err != nil {
		return domain.AidRequest{}, fmt.Errorf("urgency: %w", err)
	}
	latE7, err := asInt64(items[4])
	if err != nil {
		return domain.AidRequest{}, fmt.Errorf("lat_e7: %w", err)
	}
	lngE7, err := asInt64(items[5])
	if err != nil {
		return domain.AidRequest{}, fmt.Errorf("lng_e7: %w", err)
	}
	digestHex, err := asString(items[6])
	if err != nil {
		return domain.AidRequest{}, fmt.Errorf("details_digest: %w", err)
	}
	status, err := asInt64(items[7])
	if err != nil {
		return domain.AidRequest{}, fmt.Errorf("status: %w", err)
	}
	createdAt, err := asInt64(items[8])
	if err != nil {
		return domain.AidRequest{}, fmt.Errorf("created_at: %w", err)
	}

	digest, err := decodeDigest(digestHex)
	if err != nil {
		return domain.AidRequest{}, fmt.Errorf("details_digest: %w", err)
	}

	return domain.AidRequest{
		ID:            id,
		Requester:     requester,
		AidClass:      domain.AidClass(aidClass),
		Urgency:       domain.Urgency(urgency),
		LatE7:         latE7,
		LngE7:         lngE7,
		DetailsDigest: digest,
		Status:        domain.Status(status),
		CreatedAt:     time.Unix(createdAt, 0).UTC(),
	}, nil
}

// parsePoolStats decodes the getPoolStats tuple: [deposited, escrowed, paidOut, available].
func parsePoolStats(v interface{}) (domain.PoolStats, error) {
	items, err := asSlice(v)
	if err != nil {
		return domain.PoolStats{}, err
	}
	if len(items) < 4 {
		return domain.PoolStats{}, fmt.Errorf("expected 4 fields, got %d", len(items))
	}
	deposited, err := asInt64(items[0])
	if err != nil {
		return domain.PoolStats{}, err
	}
	escrowed, err := asInt64(items[1])
	if err != nil {
		return domain.PoolStats{}, err
	}
	paidOut, err := asInt64(items[2])
	if err != nil {
		return domain.PoolStats{}, err
	}
	available, err := asInt64(items[3])
	if err != nil {
		return domain.PoolStats{}, err
	}
	return domain.PoolStats{Deposited: deposited, Escrowed: escrowed, PaidOut: paidOut, Available: available}, nil
}

// parseFulfillerRecords decodes getApprovedFulfillers: an array of
// [address, class, endpoint] tuples.
func parseFulfillerRecords(v interface{}) ([]FulfillerRecord, error) {
	items, err := asSlice(v)
	if err != nil {
		return nil, err
	}
	out := make([]FulfillerRecord, 0, len(items))
	for _, item := range items {
		tuple, err := asSlice(item)
		if err != nil {
			return nil, err
		}
		if len(tuple) < 3 {
			return nil, fmt.Errorf("expected 3 fields, got %d", len(tuple))
		}
		addr, err := asString(tuple[0])
		if err != nil {
			return nil, err
		}
		class, err := asInt64(tuple[1])
		if err != nil {
			return nil, err
		}
		endpoint, err := asString(tuple[2])
		if err != nil {
			return nil, err
		}
		out = append(out, FulfillerRecord{
			Address:  addr,
			Class:    domain.FulfillerClass(class),
			Endpoint: endpoint,
		})
	}
	return out, nil
}

func decodeDigest(hexStr string) (canonical.Digest, error) {
	if len(hexStr) >= 2 && hexStr[0] == '0' && (hexStr[1] == 'x' || hexStr[1] == 'X') {
		hexStr = hexStr[2:]
	}
	if hexStr == "" {
		return canonical.Digest{}, nil
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return canonical.Digest{}, err
	}
	var d canonical.Digest
	if len(b) != len(d) {
		return canonical.Digest{}, fmt.Errorf("expected %d bytes, got %d", len(d), len(b))
	}
	copy(d[:], b)
	return d, nil
}
