package domain

import "time"

// EntryKind is the type of a credit ledger entry.
type EntryKind string

const (
	EntryGrant       EntryKind = "grant"
	EntryReservation EntryKind = "reservation"
	EntryConsumption EntryKind = "consumption"
	EntryRefund      EntryKind = "refund"
)

// CreditLedgerEntry is an append-only record tied to (workspace, job).
//
// Amount is signed from the workspace's point of view: grants and refunds are positive,
// reservations are negative. Consumption entries carry zero balance effect and record the
// reserved credits that turned into billable work, so Balance is simply the sum of Amount.
type CreditLedgerEntry struct {
	ID            string     `gorm:"type:text;primaryKey" json:"id"`
	WorkspaceID   string     `gorm:"type:text;not null;index" json:"workspace_id"`
	JobID         string     `gorm:"type:text;index" json:"job_id,omitempty"`
	ReservationID string     `gorm:"type:text;index" json:"reservation_id,omitempty"`
	ProviderID    ProviderID `gorm:"type:text" json:"provider_id,omitempty"`
	TargetID      string     `gorm:"type:text" json:"target_id,omitempty"`
	Kind          EntryKind  `gorm:"type:text;not null" json:"kind"`
	Amount        int64      `json:"amount"`
	Credits       int64      `json:"credits"`
	Reason        string     `json:"reason,omitempty"`
	// IdempotencyKey is unique per ledger; replays with the same key are ignored.
	IdempotencyKey string    `gorm:"type:text;uniqueIndex" json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the database table name for CreditLedgerEntry.
func (CreditLedgerEntry) TableName() string {
	return "credit_ledger_entries"
}

// Tier is a workspace subscription level.
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
	TierPremium  Tier = "premium"
)

var tierRank = map[Tier]int{
	TierFree:     0,
	TierPro:      1,
	TierBusiness: 2,
	TierPremium:  3,
}

// Allows reports whether a workspace on tier t may use something gated at min.
func (t Tier) Allows(min Tier) bool {
	if min == "" {
		return true
	}
	have, ok := tierRank[t]
	if !ok {
		have = 0
	}
	return have >= tierRank[min]
}

// Workspace holds the subscription tier used by admission control.
type Workspace struct {
	ID        string    `gorm:"type:text;primaryKey" json:"id"`
	Tier      Tier      `gorm:"type:text;default:free" json:"tier"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Workspace.
func (Workspace) TableName() string {
	return "workspaces"
}
