package stream

import (
	"context"
	"sync"
	"time"
)

// Event kinds carried on the stream.
const (
	KindSaleCreated  = "sale_created"
	KindContribution = "contribution"
)

// Event is a launchpad notification fanned out to subscribers.
// SaleCreated events carry Creator; contribution events carry Buyer, Amount
// and IsRefund (refunds are contribution events with IsRefund set).
type Event struct {
	Kind      string    `json:"kind"`
	SaleID    string    `json:"sale_id"`
	Creator   string    `json:"creator,omitempty"`
	Buyer     string    `json:"buyer,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	IsRefund  bool      `json:"is_refund,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SaleCreated builds the event emitted once per successful sale creation.
func SaleCreated(creator, saleID string, at time.Time) Event {
	return Event{Kind: KindSaleCreated, SaleID: saleID, Creator: creator, Timestamp: at}
}

// Contribution builds the event emitted by contribute and refund.
func Contribution(buyer, saleID string, amount int64, isRefund bool, at time.Time) Event {
	return Event{
		Kind:      KindContribution,
		SaleID:    saleID,
		Buyer:     buyer,
		Amount:    amount,
		IsRefund:  isRefund,
		Timestamp: at,
	}
}

// Stream fan-outs launchpad events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking settlement.
		}
	}
}
