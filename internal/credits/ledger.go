// Package credits implements admission control over an append-only credit ledger.
//
// The balance of a workspace is never stored: it is the sum of its entries' amounts.
// Admission appends a reservation and then re-reads the balance, so two concurrent
// jobs against the same workspace cannot both overdraw it.
package credits

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/logger"
)

// DenialReason explains why admission failed.
type DenialReason string

const (
	ReasonInsufficientCredits DenialReason = "InsufficientCredits"
	ReasonTierNotAllowed      DenialReason = "TierNotAllowed"
	ReasonUnknownProvider     DenialReason = "UnknownProvider"
)

// DeniedError is returned by Authorize. A denial has no net effect on the
// balance: an insufficient-credits denial leaves a reservation and its release.
type DeniedError struct {
	Reason   DenialReason
	Provider domain.ProviderID
	Required int64
	Balance  int64
	Tier     domain.Tier
}

func (e *DeniedError) Error() string {
	switch e.Reason {
	case ReasonInsufficientCredits:
		return fmt.Sprintf("insufficient credits: required %d, balance %d", e.Required, e.Balance)
	case ReasonTierNotAllowed:
		return fmt.Sprintf("provider %s is not available on tier %s", e.Provider, e.Tier)
	default:
		return fmt.Sprintf("unknown provider %s", e.Provider)
	}
}

// IsDenied reports whether err is a DeniedError with the given reason.
func IsDenied(err error, reason DenialReason) bool {
	var d *DeniedError
	return errors.As(err, &d) && d.Reason == reason
}

// Pricing resolves a provider's per-target cost and minimum tier.
// *provider.Registry implements it.
type Pricing interface {
	Pricing(id domain.ProviderID) (cost int64, minTier domain.Tier, ok bool)
}

// AdmissionRequest is the input to Authorize.
type AdmissionRequest struct {
	WorkspaceID string
	JobID       string
	Providers   []domain.ProviderID
	TargetCount int
}

// Reservation is the handle a job presents when reconciling.
type Reservation struct {
	ID          string                      `json:"id"`
	WorkspaceID string                      `json:"workspace_id"`
	JobID       string                      `json:"job_id"`
	UnitCosts   map[domain.ProviderID]int64 `json:"unit_costs"`
	TargetCount int                         `json:"target_count"`
	Total       int64                       `json:"total"`
}

// TaskOutcome is one (target, provider) pair's final billing state.
type TaskOutcome struct {
	TargetID   string
	ProviderID domain.ProviderID
	Billable   bool
}

// Settlement summarizes a reservation after reconciliation.
// Reserved always equals Consumed + Refunded once reconciled.
type Settlement struct {
	ReservationID string `json:"reservation_id"`
	Reserved      int64  `json:"reserved"`
	Consumed      int64  `json:"consumed"`
	Refunded      int64  `json:"refunded"`
}

// Ledger authorizes jobs and reconciles their consumption.
type Ledger struct {
	store   Store
	pricing Pricing
	tiers   TierSource
	now     func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(store Store, pricing Pricing, tiers TierSource) *Ledger {
	return &Ledger{store: store, pricing: pricing, tiers: tiers, now: time.Now}
}

// Quote computes the cost of running providers against targetCount targets.
func (l *Ledger) Quote(providers []domain.ProviderID, targetCount int) (map[domain.ProviderID]int64, int64, error) {
	unit := make(map[domain.ProviderID]int64, len(providers))
	var total int64
	for _, id := range providers {
		if _, dup := unit[id]; dup {
			continue
		}
		cost, _, ok := l.pricing.Pricing(id)
		if !ok {
			return nil, 0, &DeniedError{Reason: ReasonUnknownProvider, Provider: id}
		}
		unit[id] = cost
		total += cost * int64(targetCount)
	}
	return unit, total, nil
}

// Authorize reserves the credits for a job or denies it.
// Parameters:
//   - ctx: request context.
//   - req: workspace, job and the provider set times target count to price.
// Returns:
//   - *Reservation: handle to pass to Reconcile.
//   - error: *DeniedError on admission failure, or a store error.
func (l *Ledger) Authorize(ctx context.Context, req AdmissionRequest) (*Reservation, error) {
	unit, total, err := l.Quote(req.Providers, req.TargetCount)
	if err != nil {
		return nil, err
	}

	tier, err := l.tiers.Tier(ctx, req.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tier: %w", err)
	}
	for _, id := range sortedProviders(unit) {
		_, minTier, _ := l.pricing.Pricing(id)
		if !tier.Allows(minTier) {
			return nil, &DeniedError{Reason: ReasonTierNotAllowed, Provider: id, Tier: tier}
		}
	}

	res := &Reservation{
		ID:          uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		JobID:       req.JobID,
		UnitCosts:   unit,
		TargetCount: req.TargetCount,
		Total:       total,
	}
	if _, err := l.store.Append(ctx, l.entry(res, domain.EntryReservation, -total, total, "", "", "job admitted", reserveKey(res.ID))); err != nil {
		return nil, fmt.Errorf("failed to append reservation: %w", err)
	}

	balance, err := l.Balance(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if total > 0 && balance < 0 {
		release := l.entry(res, domain.EntryRefund, total, 0, "", "", "admission denied", releaseKey(res.ID))
		if _, err := l.store.Append(ctx, release); err != nil {
			return nil, fmt.Errorf("failed to release reservation: %w", err)
		}
		return nil, &DeniedError{Reason: ReasonInsufficientCredits, Required: total, Balance: balance + total}
	}

	logger.With(logger.Fields{logger.FieldCredits: total}).Info(ctx, "Reserved credits for %d provider(s) x %d target(s)", len(unit), req.TargetCount)
	return res, nil
}

// Reconcile settles every outcome against the reservation: billable work becomes
// consumption, everything else is refunded. Unsettled remainder is refunded and the
// reservation is closed. Replaying with the same outcomes appends nothing.
func (l *Ledger) Reconcile(ctx context.Context, res *Reservation, outcomes []TaskOutcome) (Settlement, error) {
	entries, err := l.store.Entries(ctx, res.WorkspaceID)
	if err != nil {
		return Settlement{}, fmt.Errorf("failed to read ledger: %w", err)
	}
	existing := make(map[string]struct{})
	for _, e := range entries {
		if e.ReservationID == res.ID {
			existing[e.IdempotencyKey] = struct{}{}
		}
	}
	if _, closed := existing[closeKey(res.ID)]; closed {
		return summarize(res.ID, entries), nil
	}

	perProvider := make(map[domain.ProviderID]int)
	var settledNow int64
	var pending []domain.CreditLedgerEntry
	for _, o := range outcomes {
		cost, ok := res.UnitCosts[o.ProviderID]
		if !ok || perProvider[o.ProviderID] >= res.TargetCount {
			continue
		}
		perProvider[o.ProviderID]++
		key := settleKey(res.ID, o.TargetID, o.ProviderID)
		if _, done := existing[key]; done {
			continue
		}
		if o.Billable {
			pending = append(pending, l.entry(res, domain.EntryConsumption, 0, cost, o.ProviderID, o.TargetID, "task succeeded", key))
		} else {
			pending = append(pending, l.entry(res, domain.EntryRefund, cost, 0, o.ProviderID, o.TargetID, "task not billable", key))
		}
		settledNow += cost
	}

	before := summarize(res.ID, entries)
	remainder := res.Total - before.Consumed - before.Refunded - settledNow
	if remainder < 0 {
		remainder = 0
	}
	pending = append(pending, l.entry(res, domain.EntryRefund, remainder, 0, "", "", "reservation closed", closeKey(res.ID)))

	if _, err := l.store.Append(ctx, pending...); err != nil {
		return Settlement{}, fmt.Errorf("failed to append settlement: %w", err)
	}

	entries, err = l.store.Entries(ctx, res.WorkspaceID)
	if err != nil {
		return Settlement{}, fmt.Errorf("failed to read ledger: %w", err)
	}
	s := summarize(res.ID, entries)
	logger.With(logger.Fields{"consumed": s.Consumed, "refunded": s.Refunded}).Info(ctx, "Reconciled reservation %s", res.ID)
	return s, nil
}

// Balance folds a workspace's entries into its available credits.
func (l *Ledger) Balance(ctx context.Context, workspaceID string) (int64, error) {
	entries, err := l.store.Entries(ctx, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger: %w", err)
	}
	var sum int64
	for _, e := range entries {
		sum += e.Amount
	}
	return sum, nil
}

// Grant adds credits to a workspace. An empty key makes the grant unconditional.
func (l *Ledger) Grant(ctx context.Context, workspaceID string, amount int64, reason, key string) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	if key == "" {
		key = "grant:" + uuid.NewString()
	}
	n, err := l.store.Append(ctx, domain.CreditLedgerEntry{
		ID:             uuid.NewString(),
		WorkspaceID:    workspaceID,
		Kind:           domain.EntryGrant,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: key,
		CreatedAt:      l.now(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to append grant: %w", err)
	}
	return n == 1, nil
}

// Entries returns a workspace's ledger history.
func (l *Ledger) Entries(ctx context.Context, workspaceID string) ([]domain.CreditLedgerEntry, error) {
	return l.store.Entries(ctx, workspaceID)
}

func (l *Ledger) entry(res *Reservation, kind domain.EntryKind, amount, credits int64, provider domain.ProviderID, targetID, reason, key string) domain.CreditLedgerEntry {
	return domain.CreditLedgerEntry{
		ID:             uuid.NewString(),
		WorkspaceID:    res.WorkspaceID,
		JobID:          res.JobID,
		ReservationID:  res.ID,
		ProviderID:     provider,
		TargetID:       targetID,
		Kind:           kind,
		Amount:         amount,
		Credits:        credits,
		Reason:         reason,
		IdempotencyKey: key,
		CreatedAt:      l.now(),
	}
}

func summarize(reservationID string, entries []domain.CreditLedgerEntry) Settlement {
	s := Settlement{ReservationID: reservationID}
	for _, e := range entries {
		if e.ReservationID != reservationID {
			continue
		}
		switch e.Kind {
		case domain.EntryReservation:
			s.Reserved += -e.Amount
		case domain.EntryConsumption:
			s.Consumed += e.Credits
		case domain.EntryRefund:
			s.Refunded += e.Amount
		}
	}
	return s
}

func sortedProviders(m map[domain.ProviderID]int64) []domain.ProviderID {
	ids := make([]domain.ProviderID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func reserveKey(id string) string { return "res:" + id + ":reserve" }
func releaseKey(id string) string { return "res:" + id + ":release" }
func closeKey(id string) string   { return "res:" + id + ":close" }

func settleKey(id, targetID string, p domain.ProviderID) string {
	return "res:" + id + ":settle:" + targetID + ":" + string(p)
}
