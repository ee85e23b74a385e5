package memory

import (
	"encoding/json"
	"fmt"

	"github.com/nvallett/cardops/internal/domain"
	"github.com/nvallett/cardops/internal/ledger"
)

const (
	opTransfer  = "transfer"
	opToggle    = "toggle_lock"
	opRecord    = "record"
	opStatus    = "status"
	opProvision = "provision"
	opContact   = "contact"
	opSend      = "send"
)

type walTransfer struct {
	SenderCardID    string  `json:"sender_card_id"`
	RecipientCardID string  `json:"recipient_card_id"`
	Amount          float64 `json:"amount"`
}

type walToggle struct {
	CardID string `json:"card_id"`
}

type walRecord struct {
	CardID      string             `json:"card_id"`
	Transaction domain.Transaction `json:"transaction"`
}

type walStatus struct {
	TransactionID string                   `json:"transaction_id"`
	To            domain.TransactionStatus `json:"to"`
}

type walContact struct {
	UserID  string         `json:"user_id"`
	Contact domain.Contact `json:"contact"`
}

type walSend struct {
	Transfer     walTransfer        `json:"transfer"`
	SenderTxn    domain.Transaction `json:"sender_txn"`
	RecipientTxn domain.Transaction `json:"recipient_txn"`
}

// walEntry is the envelope written for every mutation. Exactly one payload
// field is set, selected by Op.
type walEntry struct {
	Op        string                  `json:"op"`
	Transfer  *walTransfer            `json:"transfer,omitempty"`
	Toggle    *walToggle              `json:"toggle,omitempty"`
	Record    *walRecord              `json:"record,omitempty"`
	Status    *walStatus              `json:"status,omitempty"`
	Provision *ledger.ProvisionResult `json:"provision,omitempty"`
	Contact   *walContact             `json:"contact,omitempty"`
	Send      *walSend                `json:"send,omitempty"`
}

// recover replays the log into an empty store. Replay runs single-threaded
// before the store is published, so it mutates records directly without
// taking slot mutexes and without re-appending to the log. Entries were
// validated before they were logged, so a failure here means the log is
// corrupt and the store must not come up.
func (s *Store) recover() error {
	return s.log.ReadAll(func(raw []byte) error {
		var e walEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		return s.replay(&e)
	})
}

func (s *Store) replay(e *walEntry) error {
	switch e.Op {
	case opProvision:
		if e.Provision == nil {
			return fmt.Errorf("malformed %s entry", e.Op)
		}
		s.applyProvision(e.Provision)
		return nil
	case opTransfer:
		if e.Transfer == nil {
			return fmt.Errorf("malformed %s entry", e.Op)
		}
		return s.replayTransfer(e.Transfer)
	case opToggle:
		if e.Toggle == nil {
			return fmt.Errorf("malformed %s entry", e.Op)
		}
		slot, ok := s.cards[e.Toggle.CardID]
		if !ok {
			return fmt.Errorf("toggle replay: unknown card %s", e.Toggle.CardID)
		}
		md := slot.card.Metadata
		md.IsLocked = !md.IsLocked
		slot.card.Metadata = md
		return nil
	case opRecord:
		if e.Record == nil {
			return fmt.Errorf("malformed %s entry", e.Op)
		}
		return s.replayRecord(e.Record.CardID, e.Record.Transaction)
	case opStatus:
		if e.Status == nil {
			return fmt.Errorf("malformed %s entry", e.Op)
		}
		txn, ok := s.transactions[e.Status.TransactionID]
		if !ok {
			return fmt.Errorf("status replay: unknown transaction %s", e.Status.TransactionID)
		}
		txn.Status = e.Status.To
		return nil
	case opContact:
		if e.Contact == nil {
			return fmt.Errorf("malformed %s entry", e.Op)
		}
		u, ok := s.users[e.Contact.UserID]
		if !ok {
			return fmt.Errorf("contact replay: unknown user %s", e.Contact.UserID)
		}
		u.Contacts = append(u.Contacts, e.Contact.Contact)
		return nil
	case opSend:
		if e.Send == nil {
			return fmt.Errorf("malformed %s entry", e.Op)
		}
		if err := s.replayTransfer(&e.Send.Transfer); err != nil {
			return err
		}
		if err := s.replayRecord(e.Send.Transfer.SenderCardID, e.Send.SenderTxn); err != nil {
			return err
		}
		return s.replayRecord(e.Send.Transfer.RecipientCardID, e.Send.RecipientTxn)
	default:
		return fmt.Errorf("unknown wal op %q", e.Op)
	}
}

func (s *Store) replayTransfer(t *walTransfer) error {
	sender, ok := s.cards[t.SenderCardID]
	if !ok {
		return fmt.Errorf("transfer replay: unknown card %s", t.SenderCardID)
	}
	recipient, ok := s.cards[t.RecipientCardID]
	if !ok {
		return fmt.Errorf("transfer replay: unknown card %s", t.RecipientCardID)
	}
	if err := sender.card.Debit(t.Amount); err != nil {
		return fmt.Errorf("transfer replay: %w", err)
	}
	return recipient.card.Credit(t.Amount)
}

func (s *Store) replayRecord(cardID string, txn domain.Transaction) error {
	slot, ok := s.cards[cardID]
	if !ok {
		return fmt.Errorf("record replay: unknown card %s", cardID)
	}
	s.transactions[txn.ID] = &txn
	slot.card.Transactions = append(slot.card.Transactions, txn.ID)
	return nil
}
