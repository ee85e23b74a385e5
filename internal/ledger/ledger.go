package ledger

import (
	"context"
	"encoding/json"

	"github.com/nvallett/cardops/internal/domain"
)

// TransferResult carries the post-transfer balances of both parties.
type TransferResult struct {
	SenderNewBalance    float64 `json:"sender_new_balance"`
	RecipientNewBalance float64 `json:"recipient_new_balance"`
}

// SendMoneyRequest is the client-facing send-money payload: a transfer plus
// the context needed to record history entries for both parties.
type SendMoneyRequest struct {
	SenderCardID    string                `json:"sender_card_id"`
	RecipientCardID string                `json:"recipient_card_id"`
	Amount          float64               `json:"amount"`
	Title           string                `json:"title"`
	Currency        string                `json:"currency"`
	InitiatedBy     string                `json:"initiated_by,omitempty"`
	Method          domain.DeliveryMethod `json:"method,omitempty"`
}

// SendMoneyResult is the outcome of a send-money flow: the new balances and
// the history entries recorded for each party.
type SendMoneyResult struct {
	TransferResult
	SenderTransactionID    string `json:"sender_transaction_id"`
	RecipientTransactionID string `json:"recipient_transaction_id"`
}

// IdempotencyRecord holds the stored response for a previously seen key.
type IdempotencyRecord struct {
	Key            string
	RequestHash    string
	ResponseBody   json.RawMessage
	ResponseStatus int
}

// ProvisionInput is the onboarding payload: the store creates the user, an
// account, and a card with generated numbers, and links the three.
type ProvisionInput struct {
	ExternalID  string           `json:"external_id"`
	Email       string           `json:"email"`
	Name        domain.NameParts `json:"name"`
	Address     domain.Address   `json:"address"`
	PhoneNumber string           `json:"phone_number"`
	// InitialBalance is the card's opening balance. Creation is the only
	// balance write outside of transfers.
	InitialBalance float64 `json:"initial_balance"`
}

// ProvisionResult returns the three linked records created at onboarding.
type ProvisionResult struct {
	User    domain.User    `json:"user"`
	Account domain.Account `json:"account"`
	Card    domain.Card    `json:"card"`
}

// Ledger is the storage port. Both backends implement the same operation
// semantics; the transactional guarantees differ only in mechanism (per-card
// mutexes ordered by id in memory, row locks in postgres).
type Ledger interface {
	// Transfer moves amount between two cards as a single all-or-nothing
	// unit. Preconditions, checked in order with first failure winning:
	// positive amount, sender exists, recipient exists, sufficient funds.
	// Each resulting balance is rounded to cents independently.
	Transfer(ctx context.Context, senderCardID, recipientCardID string, amount float64) (*TransferResult, error)

	// ToggleLock flips a card's lock flag. The caller presents the lock
	// state it last read; a mismatch fails with StatusConflictError and
	// leaves the card untouched. Sibling metadata fields are preserved.
	ToggleLock(ctx context.Context, cardID string, expectedLocked bool) (bool, error)

	// RecordTransaction creates an immutable transaction stamped with the
	// current wall-clock time and atomically appends it to the card's
	// history. Returns the new transaction id.
	RecordTransaction(ctx context.Context, cardID string, details domain.TransactionDetails) (string, error)

	// SendMoney runs Transfer and records a history entry for each party
	// as one unit. A non-empty idemKey makes the call replayable: a repeat
	// with the same request hash returns the stored record instead of
	// re-applying.
	SendMoney(ctx context.Context, req SendMoneyRequest, idemKey, reqHash string) (*SendMoneyResult, *IdempotencyRecord, error)

	// UpdateTransactionStatus applies a forward-only status transition.
	UpdateTransactionStatus(ctx context.Context, transactionID string, status domain.TransactionStatus) error

	Provision(ctx context.Context, in ProvisionInput) (*ProvisionResult, error)

	GetCard(ctx context.Context, cardID string) (*domain.Card, error)
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*domain.User, error)
	GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error)

	// History returns a card's transactions, most recent first.
	History(ctx context.Context, cardID string) ([]domain.Transaction, error)

	AddContact(ctx context.Context, userID string, contact domain.Contact) error
	Contacts(ctx context.Context, userID string) ([]domain.Contact, error)
}
