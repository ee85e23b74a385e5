package domain

// TransactionType classifies what moved the money.
type TransactionType string

const (
	TypeTransfer   TransactionType = "TRANSFER"
	TypeDeposit    TransactionType = "DEPOSIT"
	TypeWithdrawal TransactionType = "WITHDRAWAL"
	TypePayment    TransactionType = "PAYMENT"
)

// ValidType reports whether t is one of the known transaction types.
func ValidType(t TransactionType) bool {
	switch t {
	case TypeTransfer, TypeDeposit, TypeWithdrawal, TypePayment:
		return true
	}
	return false
}

// TransactionStatus is the lifecycle state of a transaction record.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
	StatusReversed  TransactionStatus = "REVERSED"
)

// ValidStatus reports whether s is one of the known statuses.
func ValidStatus(s TransactionStatus) bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusReversed:
		return true
	}
	return false
}

// CanTransition reports whether a status change is allowed. Status only moves
// forward: PENDING may become COMPLETED, FAILED, or REVERSED; terminal states
// never change.
func CanTransition(from, to TransactionStatus) bool {
	return from == StatusPending && (to == StatusCompleted || to == StatusFailed || to == StatusReversed)
}

// DeliveryMethod is how a transaction was initiated.
type DeliveryMethod string

const (
	MethodInstant   DeliveryMethod = "INSTANT"
	MethodScheduled DeliveryMethod = "SCHEDULED"
)

// TransactionMetadata is optional context attached at recording time.
type TransactionMetadata struct {
	InitiatedBy string         `json:"initiated_by,omitempty"`
	Method      DeliveryMethod `json:"method,omitempty"`
	Fees        float64        `json:"fees,omitempty"`
	Location    string         `json:"location,omitempty"`
}

// Transaction is an immutable record of a transfer event. Only Status may
// change after creation, and only along the transitions in CanTransition.
// SenderIdentifier is either a card id or an external string (e.g. a payroll
// originator); RecipientCardID is always a card.
type Transaction struct {
	ID               string               `json:"id"`
	SenderIdentifier string               `json:"sender_identifier"`
	RecipientCardID  string               `json:"recipient_card_id"`
	Amount           float64              `json:"amount"`
	Title            string               `json:"title"`
	Currency         string               `json:"currency"`
	Type             TransactionType      `json:"type"`
	Status           TransactionStatus    `json:"status"`
	Timestamp        int64                `json:"timestamp"` // ms since epoch
	Metadata         *TransactionMetadata `json:"metadata,omitempty"`
}

// TransactionDetails is the caller-supplied portion of a new transaction.
// The id and timestamp are assigned by the recorder, never by the caller.
type TransactionDetails struct {
	SenderIdentifier string               `json:"sender_identifier"`
	RecipientCardID  string               `json:"recipient_card_id"`
	Amount           float64              `json:"amount"`
	Title            string               `json:"title"`
	Currency         string               `json:"currency"`
	Type             TransactionType      `json:"type"`
	Status           TransactionStatus    `json:"status"`
	Metadata         *TransactionMetadata `json:"metadata,omitempty"`
}

// Validate checks the caller-supplied fields before recording.
func (d *TransactionDetails) Validate() error {
	if d.Amount <= 0 {
		return ErrInvalidAmount
	}
	if !ValidType(d.Type) {
		return ErrInvalidTransactionType
	}
	if !ValidStatus(d.Status) {
		return ErrInvalidTransactionStatus
	}
	return nil
}
