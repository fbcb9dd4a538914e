package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aidchain/orchestrator/internal/logging"
)

// EventType names the typed ledger events the poller emits (§4.1 "Event
// subscription").
type EventType string

const (
	EventAidRequested    EventType = "AidRequested"
	EventPayoutReleased  EventType = "PayoutReleased"
	EventRequestTimedOut EventType = "RequestTimedOut"
)

// Event is a decoded, typed ledger notification.
type Event struct {
	Type       EventType
	RequestID  uint64
	BlockIndex uint32
	TxHash     string
	Raw        json.RawMessage
}

// CursorStore persists the poller's "last seen block" so a restart backfills
// missed blocks instead of re-scanning from genesis or silently skipping
// them (§4.1, §6 "Persisted state").
type CursorStore interface {
	LoadCursor(ctx context.Context) (uint32, error)
	SaveCursor(ctx context.Context, block uint32) error
}

// Poller pulls logs from last_seen_block+1 to current_block on a fixed
// interval and emits typed events, backfilling from a persisted cursor on
// restart (§4.1).
type Poller struct {
	backend  Backend
	cursor   CursorStore
	interval time.Duration
	log      logging.Logger

	events chan Event
}

// NewPoller constructs a Poller. Call Run in a goroutine and range over
// Events() to consume.
func NewPoller(backend Backend, cursor CursorStore, interval time.Duration, log logging.Logger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		backend:  backend,
		cursor:   cursor,
		interval: interval,
		log:      log.WithComponent("ledger.poller"),
		events:   make(chan Event, 256),
	}
}

// Events returns the channel typed events are published on. It is closed
// when Run returns.
func (p *Poller) Events() <-chan Event {
	return p.events
}

// Run blocks, polling on p.interval, until ctx is cancelled. It is intended
// to be driven by a cron.Cron tick or a plain ticker loop in main; both
// forms call the same Tick method so the polling logic itself is
// independent of the scheduler.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.events)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				p.log.Error().Err(err).Msg("event poll tick failed")
			}
		}
	}
}

// Tick performs one poll cycle: read the cursor, fetch the current height,
// pull notifications for the missing range, publish typed events, advance
// the cursor. It is exported so a cron.Cron schedule or a test can drive it
// directly without waiting out the ticker interval.
func (p *Poller) Tick(ctx context.Context) error {
	last, err := p.cursor.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	current, err := p.backend.BlockCount(ctx)
	if err != nil {
		return fmt.Errorf("block count: %w", err)
	}
	if current == 0 {
		return nil
	}
	// BlockCount returns the height one past the last confirmed block on
	// most nodes; treat current-1 as the newest confirmed index.
	newest := current - 1
	if newest <= last {
		return nil
	}

	from := last + 1
	raw, err := p.backend.Notifications(ctx, from, newest)
	if err != nil {
		return fmt.Errorf("notifications[%d,%d]: %w", from, newest, err)
	}

	for _, r := range raw {
		evt, ok := decodeEvent(r)
		if !ok {
			continue
		}
		select {
		case p.events <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return p.cursor.SaveCursor(ctx, newest)
}

func decodeEvent(r RawEvent) (Event, bool) {
	switch r.EventName {
	case string(EventAidRequested), string(EventPayoutReleased), string(EventRequestTimedOut):
		var payload struct {
			RequestID uint64 `json:"request_id"`
		}
		_ = json.Unmarshal(r.State, &payload)
		return Event{
			Type:       EventType(r.EventName),
			RequestID:  payload.RequestID,
			BlockIndex: r.BlockIndex,
			TxHash:     r.TxHash,
			Raw:        r.State,
		}, true
	default:
		return Event{}, false
	}
}
