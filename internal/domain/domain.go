package domain

import (
	"github.com/shopspring/decimal"
)

// Project statuses. A project group may have many revisions; the current
// revision is the max-id in_progress, non-deleted row for the group.
const (
	ProjectStatusDraft      = "draft"
	ProjectStatusInProgress = "in_progress"
	ProjectStatusCompleted  = "completed"
)

// Claim (TaskWorker) statuses. in_progress and submitted are the only
// non-terminal states.
const (
	ClaimStatusInProgress = "in_progress"
	ClaimStatusSubmitted  = "submitted"
	ClaimStatusApproved   = "approved"
	ClaimStatusRejected   = "rejected"
	ClaimStatusReturned   = "returned"
	ClaimStatusExpired    = "expired"
	ClaimStatusSkipped    = "skipped"
)

// Rating origin types.
const (
	RatingOriginPlatform  = "platform"
	RatingOriginRequester = "requester"
)

// Financial account types. Worker and requester accounts are pass-through:
// they are credited but never debited; escrow is the only real balance sink.
const (
	AccountTypeEscrow    = "escrow"
	AccountTypeRequester = "requester"
	AccountTypeWorker    = "worker"
)

type Project struct {
	ID                int64           `json:"id"`
	GroupID           int64           `json:"group_id"`
	OwnerID           string          `json:"owner_id"`
	Name              string          `json:"name"`
	Status            string          `json:"status" enum:"draft,in_progress,completed"`
	Price             decimal.Decimal `json:"price"`
	Repetition        int             `json:"repetition"`
	TimeoutMinutes    int             `json:"timeout_minutes,omitempty"`
	Deadline          *string         `json:"deadline,omitempty" format:"date-time"`
	MinRating         float64         `json:"min_rating"`
	PreviousMinRating float64         `json:"previous_min_rating"`
	RatingUpdatedAt   *string         `json:"rating_updated_at,omitempty" format:"date-time"`
	TasksInProgress   int             `json:"tasks_in_progress"`
	AmountDue         decimal.Decimal `json:"amount_due"`
	CreatedAt         string          `json:"created_at" format:"date-time"`
	DeletedAt         *string         `json:"deleted_at,omitempty" format:"date-time"`
}

// Record is one ingested work item payload, column name to value.
type Record map[string]string

type Task struct {
	ID              int64   `json:"id"`
	ProjectID       int64   `json:"project_id"`
	GroupID         int64   `json:"group_id"`
	RowNumber       int     `json:"row_number"`
	Data            Record  `json:"data"`
	Hash            string  `json:"hash"`
	MinRating       float64 `json:"min_rating"`
	RatingUpdatedAt *string `json:"rating_updated_at,omitempty" format:"date-time"`
	ExcludeAt       *string `json:"exclude_at,omitempty" format:"date-time"`
	DeletedAt       *string `json:"deleted_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

// TaskWorker is one worker's claim on one task instance.
type TaskWorker struct {
	ID        int64  `json:"id"`
	TaskID    int64  `json:"task_id"`
	WorkerID  string `json:"worker_id"`
	Status    string `json:"status" enum:"in_progress,submitted,approved,rejected,returned,expired,skipped"`
	IsPaid    bool   `json:"is_paid"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Worker struct {
	ID            string `json:"id"`
	PayoutAddress string `json:"payout_address,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// Rating is an append-only reputation event targeting a worker.
type Rating struct {
	ID         int64   `json:"id"`
	OriginType string  `json:"origin_type" enum:"platform,requester"`
	OriginID   string  `json:"origin_id"`
	TargetID   string  `json:"target_id"`
	TaskID     int64   `json:"task_id"`
	Weight     float64 `json:"weight"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type FinancialAccount struct {
	ID        int64           `json:"id"`
	OwnerID   *string         `json:"owner_id,omitempty"`
	Type      string          `json:"type" enum:"escrow,requester,worker"`
	Balance   decimal.Decimal `json:"balance"`
	IsSystem  bool            `json:"is_system"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

// Transaction is an immutable ledger entry; posting one is the only way an
// account balance changes.
type Transaction struct {
	ID          int64           `json:"id"`
	SenderID    int64           `json:"sender_id"`
	RecipientID int64           `json:"recipient_id"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
}

// BoomerangLog is the durable audit record of a threshold change.
type BoomerangLog struct {
	ID              int64   `json:"id"`
	ObjectID        int64   `json:"object_id"`
	ObjectType      string  `json:"object_type" enum:"project,task"`
	MinRating       float64 `json:"min_rating"`
	RatingUpdatedAt *string `json:"rating_updated_at,omitempty" format:"date-time"`
	Reason          string  `json:"reason"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

// PayoutLog records one payout attempt against the external provider.
type PayoutLog struct {
	ID        int64           `json:"id"`
	WorkerID  string          `json:"worker_id"`
	BatchID   string          `json:"batch_id"`
	Amount    decimal.Decimal `json:"amount"`
	IsValid   bool            `json:"is_valid"`
	Response  string          `json:"response,omitempty"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

// Notification is one queued qualification notice for an external worker.
type Notification struct {
	ID             int64   `json:"id"`
	WorkerID       string  `json:"worker_id"`
	ProjectGroupID int64   `json:"project_group_id"`
	Subject        string  `json:"subject"`
	Body           string  `json:"body"`
	DeliveredAt    *string `json:"delivered_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// WorkerStats mirrors the cached lifecycle counters for one worker.
type WorkerStats struct {
	WorkerID   string `json:"worker_id"`
	InProgress int64  `json:"in_progress"`
	Submitted  int64  `json:"submitted"`
	Approved   int64  `json:"approved"`
	Rejected   int64  `json:"rejected"`
	Returned   int64  `json:"returned"`
}
