// Package memory implements the ledger over an in-process arena of card
// records. Cross-card atomicity comes from per-card mutexes acquired in
// ascending card-id order; durability comes from a write-ahead log appended
// and synced before any mutation is applied.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nvallett/cardops/internal/domain"
	"github.com/nvallett/cardops/internal/ledger"
	"github.com/nvallett/cardops/pkg/wal"
)

// cardSlot pairs a card with the mutex that serializes every mutation of it.
type cardSlot struct {
	mu   sync.Mutex
	card domain.Card
}

type idemEntry struct {
	hash   string
	done   bool
	record *ledger.IdempotencyRecord
}

type Store struct {
	// mu guards the maps themselves plus users, accounts, transactions,
	// and the idempotency ledger. Card contents are guarded by their slot
	// mutex; mu is never held while a slot mutex is being acquired.
	mu              sync.RWMutex
	users           map[string]*domain.User
	usersByExternal map[string]string
	accounts        map[string]*domain.Account
	cards           map[string]*cardSlot
	transactions    map[string]*domain.Transaction
	idem            map[string]*idemEntry

	log *wal.WAL // nil disables durability

	now   func() int64
	newID func() string
}

// New builds a store backed by log. A nil log keeps everything in memory
// only; otherwise existing log records are replayed before the store is
// handed out.
func New(log *wal.WAL) (*Store, error) {
	s := &Store{
		users:           make(map[string]*domain.User),
		usersByExternal: make(map[string]string),
		accounts:        make(map[string]*domain.Account),
		cards:           make(map[string]*cardSlot),
		transactions:    make(map[string]*domain.Transaction),
		idem:            make(map[string]*idemEntry),
		log:             log,
		now:             func() int64 { return time.Now().UnixMilli() },
		newID:           uuid.NewString,
	}
	if log != nil {
		if err := s.recover(); err != nil {
			return nil, fmt.Errorf("wal replay failed: %w", err)
		}
	}
	return s, nil
}

func (s *Store) append(e walEntry) error {
	if s.log == nil {
		return nil
	}
	if err := s.log.Write(e); err != nil {
		return fmt.Errorf("wal write failed: %w", err)
	}
	return nil
}

// lookupCards resolves both parties of a transfer, reporting which side was
// missing. The first failing precondition wins, so the sender is checked
// before the recipient.
func (s *Store) lookupCards(senderCardID, recipientCardID string) (*cardSlot, *cardSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sender, ok := s.cards[senderCardID]
	if !ok {
		return nil, nil, &domain.CardNotFoundError{Side: domain.SideSender, CardID: senderCardID}
	}
	recipient, ok := s.cards[recipientCardID]
	if !ok {
		return nil, nil, &domain.CardNotFoundError{Side: domain.SideRecipient, CardID: recipientCardID}
	}
	return sender, recipient, nil
}

// lockPair acquires both slot mutexes in ascending card-id order so that two
// opposing transfers can never deadlock. The returned function releases both.
func lockPair(a, b *cardSlot) func() {
	first, second := a, b
	if first.card.ID > second.card.ID {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

func (s *Store) Transfer(ctx context.Context, senderCardID, recipientCardID string, amount float64) (*ledger.TransferResult, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	sender, recipient, err := s.lookupCards(senderCardID, recipientCardID)
	if err != nil {
		return nil, err
	}
	if senderCardID == recipientCardID {
		return nil, domain.ErrSameCard
	}

	unlock := lockPair(sender, recipient)
	defer unlock()

	if sender.card.Balance < amount {
		return nil, domain.ErrInsufficientFunds
	}

	if err := s.append(walEntry{Op: opTransfer, Transfer: &walTransfer{
		SenderCardID:    senderCardID,
		RecipientCardID: recipientCardID,
		Amount:          amount,
	}}); err != nil {
		return nil, err
	}

	if err := sender.card.Debit(amount); err != nil {
		return nil, err
	}
	if err := recipient.card.Credit(amount); err != nil {
		return nil, err
	}
	return &ledger.TransferResult{
		SenderNewBalance:    sender.card.Balance,
		RecipientNewBalance: recipient.card.Balance,
	}, nil
}

func (s *Store) ToggleLock(ctx context.Context, cardID string, expectedLocked bool) (bool, error) {
	s.mu.RLock()
	slot, ok := s.cards[cardID]
	s.mu.RUnlock()
	if !ok {
		return false, &domain.CardNotFoundError{CardID: cardID}
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.card.Metadata.IsLocked != expectedLocked {
		return false, &domain.StatusConflictError{
			Expected: expectedLocked,
			Actual:   slot.card.Metadata.IsLocked,
		}
	}

	if err := s.append(walEntry{Op: opToggle, Toggle: &walToggle{CardID: cardID}}); err != nil {
		return false, err
	}

	// Full-object rewrite so sibling fields ride along untouched.
	md := slot.card.Metadata
	md.IsLocked = !md.IsLocked
	slot.card.Metadata = md
	return md.IsLocked, nil
}

func (s *Store) RecordTransaction(ctx context.Context, cardID string, details domain.TransactionDetails) (string, error) {
	if err := details.Validate(); err != nil {
		return "", err
	}
	s.mu.RLock()
	slot, ok := s.cards[cardID]
	s.mu.RUnlock()
	if !ok {
		return "", &domain.CardNotFoundError{CardID: cardID}
	}

	txn := s.buildTransaction(details)

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if err := s.append(walEntry{Op: opRecord, Record: &walRecord{CardID: cardID, Transaction: txn}}); err != nil {
		return "", err
	}
	s.applyRecord(slot, txn)
	return txn.ID, nil
}

// buildTransaction stamps a new record with a server-assigned id and the
// current wall-clock time. Callers never supply either.
func (s *Store) buildTransaction(details domain.TransactionDetails) domain.Transaction {
	return domain.Transaction{
		ID:               s.newID(),
		SenderIdentifier: details.SenderIdentifier,
		RecipientCardID:  details.RecipientCardID,
		Amount:           details.Amount,
		Title:            details.Title,
		Currency:         details.Currency,
		Type:             details.Type,
		Status:           details.Status,
		Timestamp:        s.now(),
		Metadata:         details.Metadata,
	}
}

// applyRecord inserts the transaction and appends its id to the card history.
// The caller holds the card's slot mutex, which makes the append atomic with
// respect to concurrent recorders.
func (s *Store) applyRecord(slot *cardSlot, txn domain.Transaction) {
	s.mu.Lock()
	s.transactions[txn.ID] = &txn
	s.mu.Unlock()
	slot.card.Transactions = append(slot.card.Transactions, txn.ID)
}

func (s *Store) SendMoney(ctx context.Context, req ledger.SendMoneyRequest, idemKey, reqHash string) (*ledger.SendMoneyResult, *ledger.IdempotencyRecord, error) {
	if idemKey != "" {
		s.mu.Lock()
		if e, ok := s.idem[idemKey]; ok {
			defer s.mu.Unlock()
			if e.hash != reqHash {
				return nil, nil, domain.ErrIdempotencyMismatch
			}
			if !e.done {
				return nil, nil, domain.ErrIdempotencyConflict
			}
			return nil, e.record, nil
		}
		s.idem[idemKey] = &idemEntry{hash: reqHash}
		s.mu.Unlock()
	}

	res, err := s.sendMoney(req)
	if err != nil {
		if idemKey != "" {
			s.mu.Lock()
			delete(s.idem, idemKey)
			s.mu.Unlock()
		}
		return nil, nil, err
	}

	if idemKey != "" {
		body, err := json.Marshal(res)
		if err != nil {
			return nil, nil, err
		}
		s.mu.Lock()
		s.idem[idemKey] = &idemEntry{hash: reqHash, done: true, record: &ledger.IdempotencyRecord{
			Key:            idemKey,
			RequestHash:    reqHash,
			ResponseBody:   body,
			ResponseStatus: http.StatusCreated,
		}}
		s.mu.Unlock()
	}
	return res, nil, nil
}

// sendMoney runs the transfer and both history records inside one critical
// section, so a reader never observes the balance change without its records.
func (s *Store) sendMoney(req ledger.SendMoneyRequest) (*ledger.SendMoneyResult, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	sender, recipient, err := s.lookupCards(req.SenderCardID, req.RecipientCardID)
	if err != nil {
		return nil, err
	}
	if req.SenderCardID == req.RecipientCardID {
		return nil, domain.ErrSameCard
	}

	unlock := lockPair(sender, recipient)
	defer unlock()

	if sender.card.Balance < req.Amount {
		return nil, domain.ErrInsufficientFunds
	}

	details := sendDetails(req)
	senderTxn := s.buildTransaction(details)
	recipientTxn := s.buildTransaction(details)

	if err := s.append(walEntry{Op: opSend, Send: &walSend{
		Transfer: walTransfer{
			SenderCardID:    req.SenderCardID,
			RecipientCardID: req.RecipientCardID,
			Amount:          req.Amount,
		},
		SenderTxn:    senderTxn,
		RecipientTxn: recipientTxn,
	}}); err != nil {
		return nil, err
	}

	if err := sender.card.Debit(req.Amount); err != nil {
		return nil, err
	}
	if err := recipient.card.Credit(req.Amount); err != nil {
		return nil, err
	}
	s.applyRecord(sender, senderTxn)
	s.applyRecord(recipient, recipientTxn)

	return &ledger.SendMoneyResult{
		TransferResult: ledger.TransferResult{
			SenderNewBalance:    sender.card.Balance,
			RecipientNewBalance: recipient.card.Balance,
		},
		SenderTransactionID:    senderTxn.ID,
		RecipientTransactionID: recipientTxn.ID,
	}, nil
}

// sendDetails normalizes the send-money payload into recorder details.
func sendDetails(req ledger.SendMoneyRequest) domain.TransactionDetails {
	title := req.Title
	if title == "" {
		title = "Transfer"
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	details := domain.TransactionDetails{
		SenderIdentifier: req.SenderCardID,
		RecipientCardID:  req.RecipientCardID,
		Amount:           req.Amount,
		Title:            title,
		Currency:         currency,
		Type:             domain.TypeTransfer,
		Status:           domain.StatusCompleted,
	}
	if req.InitiatedBy != "" || req.Method != "" {
		method := req.Method
		if method == "" {
			method = domain.MethodInstant
		}
		details.Metadata = &domain.TransactionMetadata{
			InitiatedBy: req.InitiatedBy,
			Method:      method,
		}
	}
	return details
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, transactionID string, status domain.TransactionStatus) error {
	if !domain.ValidStatus(status) {
		return domain.ErrInvalidTransactionStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.transactions[transactionID]
	if !ok {
		return domain.ErrRecordNotFound
	}
	if !domain.CanTransition(txn.Status, status) {
		return domain.ErrInvalidTransition
	}
	if err := s.append(walEntry{Op: opStatus, Status: &walStatus{TransactionID: transactionID, To: status}}); err != nil {
		return err
	}
	txn.Status = status
	return nil
}

func (s *Store) Provision(ctx context.Context, in ledger.ProvisionInput) (*ledger.ProvisionResult, error) {
	if in.InitialBalance < 0 {
		return nil, domain.ErrInvalidAmount
	}
	user := domain.User{
		ID:          s.newID(),
		Name:        in.Name,
		Email:       in.Email,
		ExternalID:  in.ExternalID,
		Address:     in.Address,
		PhoneNumber: in.PhoneNumber,
		Contacts:    []domain.Contact{},
	}
	account := domain.Account{
		ID:      s.newID(),
		Number:  ledger.RandomDigits(12),
		Routing: ledger.RandomDigits(9),
		UserID:  user.ID,
	}
	card := domain.Card{
		ID:         s.newID(),
		Number:     ledger.RandomDigits(16),
		Expiration: expirationIn(4),
		CVV:        ledger.RandomDigits(3),
		Metadata:   domain.CardMetadata{IsLocked: false, SpendingLimit: 0, CardType: "debit"},
		Balance:    domain.Round2(in.InitialBalance),
		AccountID:  account.ID,
	}
	account.CardID = card.ID
	user.AccountID = account.ID
	result := &ledger.ProvisionResult{User: user, Account: account, Card: card}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByExternal[in.ExternalID]; ok {
		return nil, domain.ErrUserExists
	}
	if err := s.append(walEntry{Op: opProvision, Provision: result}); err != nil {
		return nil, err
	}
	s.applyProvision(result)
	return result, nil
}

func (s *Store) applyProvision(r *ledger.ProvisionResult) {
	u, a, c := r.User, r.Account, r.Card
	s.users[u.ID] = &u
	s.usersByExternal[u.ExternalID] = u.ID
	s.accounts[a.ID] = &a
	s.cards[c.ID] = &cardSlot{card: c}
}

func expirationIn(years int) domain.Expiration {
	t := time.Now().AddDate(years, 0, 0)
	return domain.Expiration{
		Month: fmt.Sprintf("%02d", int(t.Month())),
		Year:  fmt.Sprintf("%d", t.Year()),
	}
}

func (s *Store) GetCard(ctx context.Context, cardID string) (*domain.Card, error) {
	s.mu.RLock()
	slot, ok := s.cards[cardID]
	s.mu.RUnlock()
	if !ok {
		return nil, &domain.CardNotFoundError{CardID: cardID}
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	c := slot.card
	c.Transactions = append([]string(nil), slot.card.Transactions...)
	return &c, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	out := *a
	return &out, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyUser(userID)
}

func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByExternal[externalID]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return s.copyUser(id)
}

// copyUser is called with s.mu held.
func (s *Store) copyUser(userID string) (*domain.User, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	out := *u
	out.Contacts = append([]domain.Contact(nil), u.Contacts...)
	return &out, nil
}

func (s *Store) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transactions[transactionID]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	out := *t
	return &out, nil
}

func (s *Store) History(ctx context.Context, cardID string) ([]domain.Transaction, error) {
	card, err := s.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	// History ids are chronological; return most recent first.
	out := make([]domain.Transaction, 0, len(card.Transactions))
	for i := len(card.Transactions) - 1; i >= 0; i-- {
		if t, ok := s.transactions[card.Transactions[i]]; ok {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *Store) AddContact(ctx context.Context, userID string, contact domain.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.ErrRecordNotFound
	}
	for _, c := range u.Contacts {
		if c.UserID == contact.UserID {
			return nil // already present
		}
	}
	if err := s.append(walEntry{Op: opContact, Contact: &walContact{UserID: userID, Contact: contact}}); err != nil {
		return err
	}
	u.Contacts = append(u.Contacts, contact)
	return nil
}

func (s *Store) Contacts(ctx context.Context, userID string) ([]domain.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, err := s.copyUser(userID)
	if err != nil {
		return nil, err
	}
	return u.Contacts, nil
}

var _ ledger.Ledger = (*Store)(nil)
