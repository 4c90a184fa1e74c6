package launchpad

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"launchpad.org/internal/ids"
	"launchpad.org/internal/ledger"
	"launchpad.org/internal/stream"
)

// Ledger is the slice of the value-transfer primitive the launchpad needs.
// Implemented by ledger.InMemory and the Postgres store.
type Ledger interface {
	Transfer(ctx context.Context, fromID, toID string, amt ledger.Money, idemKey string) (ledger.Transaction, error)
}

// Events receives sale notifications. *stream.Stream satisfies it.
type Events interface {
	Publish(stream.Event)
}

// Service defines the launchpad operations.
type Service interface {
	CreateSale(ctx context.Context, owner string, p SaleParams) (Sale, error)
	Contribute(ctx context.Context, saleID, buyer string, assets AssetPair, amount int64) error
	Claim(ctx context.Context, saleID, buyer string, assets AssetPair) (int64, error)
	Refund(ctx context.Context, saleID, buyer string, assets AssetPair, amount int64) error
	Finalize(ctx context.Context, saleID, caller string) error

	GetSale(ctx context.Context, saleID string) (Sale, error)
	ListSales(ctx context.Context, limit int, afterID string) ([]Sale, error)
	AllowedContributionAmount(ctx context.Context, saleID, buyer string) (int64, error)
	GetContributedAmount(ctx context.Context, saleID, buyer string) (int64, error)
	ListParticipations(ctx context.Context, account string) ([]Participation, error)
}

// Config carries deployment-wide launchpad settings. A single escrow account
// custodies all pooled assets across every sale.
type Config struct {
	EscrowAccount string
	FeeAsset      string // native asset the flat platform fee is charged in
	FeeAmount     int64  // flat fee per created sale; 0 disables the fee
}

type saleRecord struct {
	// mu serializes the full read-check-mutate-transfer sequence of every
	// operation touching this sale. Operations on different sales do not
	// contend.
	mu sync.Mutex

	sale          Sale
	whitelist     map[string]struct{}
	contributions map[string]int64
}

// InMemory implements Service against an in-process sale registry.
type InMemory struct {
	ledger Ledger
	cfg    Config
	events Events
	now    func() time.Time

	mu    sync.RWMutex
	sales map[string]*saleRecord

	partsMu sync.Mutex
	parts   map[string][]Participation // account -> append-only history
}

// Option configures InMemory.
type Option func(*InMemory)

// WithClock overrides the time source. Used by tests to pin the sale window.
func WithClock(now func() time.Time) Option {
	return func(s *InMemory) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEvents attaches an event sink for SaleCreated/Contribution notifications.
func WithEvents(ev Events) Option {
	return func(s *InMemory) { s.events = ev }
}

// NewInMemory creates a launchpad backed by the given transfer primitive.
func NewInMemory(l Ledger, cfg Config, opts ...Option) *InMemory {
	s := &InMemory{
		ledger: l,
		cfg:    cfg,
		now:    time.Now,
		sales:  make(map[string]*saleRecord),
		parts:  make(map[string][]Participation),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateParams checks sale parameters for internal consistency. Violations
// wrap ErrInvalidParams with the specific complaint.
func ValidateParams(p SaleParams) error {
	switch {
	case strings.TrimSpace(p.BaseAsset) == "" || strings.TrimSpace(p.PaymentAsset) == "":
		return fmt.Errorf("%w: asset identities are required", ErrInvalidParams)
	case p.BaseAsset == p.PaymentAsset:
		return fmt.Errorf("%w: base and payment assets must differ", ErrInvalidParams)
	case p.Price <= 0:
		return fmt.Errorf("%w: price must be > 0", ErrInvalidParams)
	case p.Hardcap <= 0:
		return fmt.Errorf("%w: hardcap must be > 0", ErrInvalidParams)
	case p.Softcap <= 0 || p.Softcap > p.Hardcap:
		return fmt.Errorf("%w: softcap must be in (0, hardcap]", ErrInvalidParams)
	case p.MinBuy <= 0 || p.MinBuy > p.MaxBuy:
		return fmt.Errorf("%w: min_buy must be in (0, max_buy]", ErrInvalidParams)
	case p.MaxBuy > p.Hardcap:
		return fmt.Errorf("%w: max_buy must not exceed hardcap", ErrInvalidParams)
	case !p.EndTime.After(p.StartTime):
		return fmt.Errorf("%w: end_time must be after start_time", ErrInvalidParams)
	}
	switch p.Mode {
	case ModeOpen:
	case ModeWhitelisted:
		if len(p.Whitelist) == 0 {
			return fmt.Errorf("%w: whitelisted mode requires a whitelist", ErrInvalidParams)
		}
	default:
		return fmt.Errorf("%w: unknown sale mode %q", ErrInvalidParams, p.Mode)
	}
	return nil
}

// CreateSale escrows the maximum possible token payout up front, collects the
// flat platform fee and inserts the sale record. A transfer failure aborts the
// whole operation with no partial state.
func (s *InMemory) CreateSale(ctx context.Context, owner string, p SaleParams) (Sale, error) {
	if strings.TrimSpace(owner) == "" {
		return Sale{}, fmt.Errorf("%w: owner is required", ErrInvalidParams)
	}
	if err := ValidateParams(p); err != nil {
		return Sale{}, err
	}

	deposit, err := SettlementAmount(p.Hardcap, p.Price)
	if err != nil {
		return Sale{}, fmt.Errorf("%w: hardcap*price does not fit", ErrInvalidParams)
	}

	if deposit > 0 {
		if _, err := s.ledger.Transfer(ctx, owner, s.cfg.EscrowAccount, ledger.Money{Asset: p.BaseAsset, Amount: deposit}, ""); err != nil {
			return Sale{}, fmt.Errorf("escrow initial deposit: %w", err)
		}
	}
	if s.cfg.FeeAmount > 0 {
		if _, err := s.ledger.Transfer(ctx, owner, s.cfg.EscrowAccount, ledger.Money{Asset: s.cfg.FeeAsset, Amount: s.cfg.FeeAmount}, ""); err != nil {
			// Undo the deposit so a failed creation leaves no trace.
			if deposit > 0 {
				_, _ = s.ledger.Transfer(ctx, s.cfg.EscrowAccount, owner, ledger.Money{Asset: p.BaseAsset, Amount: deposit}, "")
			}
			return Sale{}, fmt.Errorf("collect platform fee: %w", err)
		}
	}

	now := s.now().UTC()
	rec := &saleRecord{
		sale: Sale{
			ID:                 ids.New(),
			Owner:              owner,
			CreatedAt:          now,
			Name:               p.Name,
			BaseAsset:          p.BaseAsset,
			PaymentAsset:       p.PaymentAsset,
			Price:              p.Price,
			MinBuy:             p.MinBuy,
			MaxBuy:             p.MaxBuy,
			Softcap:            p.Softcap,
			Hardcap:            p.Hardcap,
			Mode:               p.Mode,
			Whitelist:          append([]string(nil), p.Whitelist...),
			StartTime:          p.StartTime.UTC(),
			EndTime:            p.EndTime.UTC(),
			Links:              append([]string(nil), p.Links...),
			VestingDescription: p.VestingDescription,
			VestingPercentages: append([]uint64(nil), p.VestingPercentages...),
		},
		whitelist:     make(map[string]struct{}, len(p.Whitelist)),
		contributions: make(map[string]int64),
	}
	for _, acc := range p.Whitelist {
		rec.whitelist[acc] = struct{}{}
	}

	s.mu.Lock()
	s.sales[rec.sale.ID] = rec
	s.mu.Unlock()

	if s.events != nil {
		s.events.Publish(stream.SaleCreated(owner, rec.sale.ID, now))
	}
	return copySale(rec), nil
}

// Contribute escrows a buyer's payment against the sale terms. Preconditions
// are checked in a fixed order; the first violation aborts the operation.
func (s *InMemory) Contribute(ctx context.Context, saleID, buyer string, assets AssetPair, amount int64) error {
	rec, err := s.record(saleID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := s.now().UTC()
	if now.Before(rec.sale.StartTime) || !now.Before(rec.sale.EndTime) {
		return ErrNotOpenForContribution
	}
	if rec.sale.TotalRaised+amount > rec.sale.Hardcap {
		return ErrCapExceeded
	}
	newTotal := rec.contributions[buyer] + amount
	if rec.sale.Mode == ModeWhitelisted {
		if _, ok := rec.whitelist[buyer]; !ok {
			return ErrNotWhitelisted
		}
	}
	// The per-buyer ceiling is the sale-wide max_buy in both modes; the
	// whitelist gates eligibility only, never the amount.
	if newTotal > rec.sale.MaxBuy {
		return ErrCapExceeded
	}
	if newTotal < rec.sale.MinBuy {
		return ErrBelowMinimum
	}
	if assets.Base != rec.sale.BaseAsset || assets.Payment != rec.sale.PaymentAsset {
		return ErrAssetMismatch
	}

	if _, err := s.ledger.Transfer(ctx, buyer, s.cfg.EscrowAccount, ledger.Money{Asset: rec.sale.PaymentAsset, Amount: amount}, ""); err != nil {
		return fmt.Errorf("escrow contribution: %w", err)
	}

	rec.contributions[buyer] = newTotal
	rec.sale.TotalRaised += amount

	s.appendParticipation(buyer, Participation{SaleID: saleID, Amount: amount, Timestamp: now})
	if s.events != nil {
		s.events.Publish(stream.Contribution(buyer, saleID, amount, false, now))
	}
	return nil
}

// Claim releases the buyer's token entitlement once the sale has ended with
// its softcap met. The finalized flag is deliberately not consulted: claims
// are reachable whether or not the owner has finalized. A repeated claim
// finds a zero contribution and succeeds without moving anything.
func (s *InMemory) Claim(ctx context.Context, saleID, buyer string, assets AssetPair) (int64, error) {
	rec, err := s.record(saleID)
	if err != nil {
		return 0, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if assets.Base != rec.sale.BaseAsset || assets.Payment != rec.sale.PaymentAsset {
		return 0, ErrAssetMismatch
	}
	now := s.now().UTC()
	if rec.sale.TotalRaised < rec.sale.Softcap || now.Before(rec.sale.EndTime) {
		return 0, ErrNotReadyToClaim
	}

	contribution := rec.contributions[buyer]
	claim, err := SettlementAmount(contribution, rec.sale.Price)
	if err != nil {
		return 0, err
	}
	if claim > 0 {
		if _, err := s.ledger.Transfer(ctx, s.cfg.EscrowAccount, buyer, ledger.Money{Asset: rec.sale.BaseAsset, Amount: claim}, ""); err != nil {
			return 0, fmt.Errorf("release claim: %w", err)
		}
	}
	if contribution != 0 {
		rec.contributions[buyer] = 0
	}
	return claim, nil
}

// Refund returns part or all of a buyer's payment while the sale is below its
// softcap. The escrowed tokens are untouched; finalize settles those.
func (s *InMemory) Refund(ctx context.Context, saleID, buyer string, assets AssetPair, amount int64) error {
	rec, err := s.record(saleID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if assets.Base != rec.sale.BaseAsset || assets.Payment != rec.sale.PaymentAsset {
		return ErrAssetMismatch
	}
	if rec.sale.TotalRaised >= rec.sale.Softcap {
		return ErrNotEligibleForRefund
	}
	contribution, ok := rec.contributions[buyer]
	if !ok {
		return ErrAccountNotFound
	}
	if amount > contribution {
		return ErrRefundAmountTooHigh
	}

	if _, err := s.ledger.Transfer(ctx, s.cfg.EscrowAccount, buyer, ledger.Money{Asset: rec.sale.PaymentAsset, Amount: amount}, ""); err != nil {
		return fmt.Errorf("release refund: %w", err)
	}

	rec.contributions[buyer] = contribution - amount
	rec.sale.TotalRaised -= amount

	if s.events != nil {
		s.events.Publish(stream.Contribution(buyer, saleID, amount, true, s.now().UTC()))
	}
	return nil
}

// Finalize is the owner's terminal disbursement. On success the raised funds
// plus the unsold-token remainder go to the owner; on failure the entire
// original token escrow is returned and the raised funds stay in escrow for
// buyers to reclaim via Refund.
func (s *InMemory) Finalize(ctx context.Context, saleID, caller string) error {
	rec, err := s.record(saleID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if caller != rec.sale.Owner {
		return ErrUnauthorized
	}
	if rec.sale.Finalized {
		return ErrAlreadyFinalized
	}
	if s.now().UTC().Before(rec.sale.EndTime) {
		return ErrSaleNotYetEnded
	}

	if rec.sale.TotalRaised >= rec.sale.Softcap {
		if rec.sale.TotalRaised > 0 {
			if _, err := s.ledger.Transfer(ctx, s.cfg.EscrowAccount, rec.sale.Owner, ledger.Money{Asset: rec.sale.PaymentAsset, Amount: rec.sale.TotalRaised}, ""); err != nil {
				return fmt.Errorf("disburse raised funds: %w", err)
			}
		}
		remainder, err := SettlementAmount(rec.sale.Hardcap-rec.sale.TotalRaised, rec.sale.Price)
		if err != nil {
			return err
		}
		if remainder > 0 {
			if _, err := s.ledger.Transfer(ctx, s.cfg.EscrowAccount, rec.sale.Owner, ledger.Money{Asset: rec.sale.BaseAsset, Amount: remainder}, ""); err != nil {
				return fmt.Errorf("return unsold tokens: %w", err)
			}
		}
	} else {
		deposit, err := SettlementAmount(rec.sale.Hardcap, rec.sale.Price)
		if err != nil {
			return err
		}
		if deposit > 0 {
			if _, err := s.ledger.Transfer(ctx, s.cfg.EscrowAccount, rec.sale.Owner, ledger.Money{Asset: rec.sale.BaseAsset, Amount: deposit}, ""); err != nil {
				return fmt.Errorf("return token escrow: %w", err)
			}
		}
	}

	rec.sale.Finalized = true
	return nil
}

func (s *InMemory) GetSale(ctx context.Context, saleID string) (Sale, error) {
	rec, err := s.record(saleID)
	if err != nil {
		return Sale{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return copySale(rec), nil
}

// ListSales returns sales ordered by identifier (ULIDs sort by creation time).
func (s *InMemory) ListSales(ctx context.Context, limit int, afterID string) ([]Sale, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	recs := make([]*saleRecord, 0, len(s.sales))
	for _, rec := range s.sales {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].sale.ID < recs[j].sale.ID })

	var res []Sale
	for _, rec := range recs {
		if rec.sale.ID <= afterID {
			continue
		}
		rec.mu.Lock()
		res = append(res, copySale(rec))
		rec.mu.Unlock()
		if len(res) >= limit {
			break
		}
	}
	return res, nil
}

// AllowedContributionAmount returns max_buy when the buyer is eligible under
// the sale's mode and 0 otherwise. Pure read, no side effects.
func (s *InMemory) AllowedContributionAmount(ctx context.Context, saleID, buyer string) (int64, error) {
	rec, err := s.record(saleID)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.sale.Mode == ModeWhitelisted {
		if _, ok := rec.whitelist[buyer]; !ok {
			return 0, nil
		}
	}
	return rec.sale.MaxBuy, nil
}

// GetContributedAmount returns the buyer's current outstanding contribution.
// A buyer with no entry is a lookup miss, not a zero: ErrAccountNotFound.
func (s *InMemory) GetContributedAmount(ctx context.Context, saleID, buyer string) (int64, error) {
	rec, err := s.record(saleID)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	amount, ok := rec.contributions[buyer]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return amount, nil
}

func (s *InMemory) ListParticipations(ctx context.Context, account string) ([]Participation, error) {
	s.partsMu.Lock()
	defer s.partsMu.Unlock()
	return append([]Participation(nil), s.parts[account]...), nil
}

func (s *InMemory) record(saleID string) (*saleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sales[saleID]
	if !ok {
		return nil, ErrSaleNotFound
	}
	return rec, nil
}

func (s *InMemory) appendParticipation(account string, p Participation) {
	s.partsMu.Lock()
	defer s.partsMu.Unlock()
	s.parts[account] = append(s.parts[account], p)
}

// copySale snapshots a record; callers must hold rec.mu.
func copySale(rec *saleRecord) Sale {
	out := rec.sale
	out.Whitelist = append([]string(nil), rec.sale.Whitelist...)
	out.Links = append([]string(nil), rec.sale.Links...)
	out.VestingPercentages = append([]uint64(nil), rec.sale.VestingPercentages...)
	out.Contributors = append([]string(nil), rec.sale.Contributors...)
	return out
}
