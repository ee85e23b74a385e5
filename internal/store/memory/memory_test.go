package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nvallett/cardops/internal/domain"
	"github.com/nvallett/cardops/internal/ledger"
	"github.com/nvallett/cardops/pkg/wal"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func provisionCard(t *testing.T, s *Store, balance float64) string {
	t.Helper()
	res, err := s.Provision(context.Background(), ledger.ProvisionInput{
		ExternalID:     fmt.Sprintf("ext-%s", s.newID()),
		Email:          "user@example.com",
		Name:           domain.NameParts{FirstName: "Test", LastName: "User"},
		InitialBalance: balance,
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	return res.Card.ID
}

func cardBalance(t *testing.T, s *Store, cardID string) float64 {
	t.Helper()
	c, err := s.GetCard(context.Background(), cardID)
	if err != nil {
		t.Fatalf("GetCard(%s): %v", cardID, err)
	}
	return c.Balance
}

func TestTransferMovesBalances(t *testing.T) {
	s := newStore(t)
	sender := provisionCard(t, s, 100.00)
	recipient := provisionCard(t, s, 50.00)

	res, err := s.Transfer(context.Background(), sender, recipient, 30.00)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.SenderNewBalance != 70.00 {
		t.Errorf("sender balance = %v, want 70.00", res.SenderNewBalance)
	}
	if res.RecipientNewBalance != 80.00 {
		t.Errorf("recipient balance = %v, want 80.00", res.RecipientNewBalance)
	}
	if b := cardBalance(t, s, sender); b != 70.00 {
		t.Errorf("stored sender balance = %v, want 70.00", b)
	}
	if b := cardBalance(t, s, recipient); b != 80.00 {
		t.Errorf("stored recipient balance = %v, want 80.00", b)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	s := newStore(t)
	sender := provisionCard(t, s, 10.00)
	recipient := provisionCard(t, s, 50.00)

	_, err := s.Transfer(context.Background(), sender, recipient, 10.01)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("Transfer = %v, want ErrInsufficientFunds", err)
	}
	if b := cardBalance(t, s, sender); b != 10.00 {
		t.Errorf("sender balance changed on failure: %v", b)
	}
	if b := cardBalance(t, s, recipient); b != 50.00 {
		t.Errorf("recipient balance changed on failure: %v", b)
	}
}

func TestTransferExactBalanceAllowed(t *testing.T) {
	s := newStore(t)
	sender := provisionCard(t, s, 10.00)
	recipient := provisionCard(t, s, 0)

	res, err := s.Transfer(context.Background(), sender, recipient, 10.00)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.SenderNewBalance != 0 {
		t.Errorf("sender balance = %v, want 0", res.SenderNewBalance)
	}
}

func TestTransferInvalidAmountWinsOverMissingCards(t *testing.T) {
	s := newStore(t)

	// Preconditions are checked in order; a non-positive amount fails
	// before card resolution even runs.
	for _, amount := range []float64{0, -1} {
		_, err := s.Transfer(context.Background(), "no-such-sender", "no-such-recipient", amount)
		if !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("Transfer(amount=%v) = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestTransferReportsMissingSide(t *testing.T) {
	s := newStore(t)
	existing := provisionCard(t, s, 100.00)

	_, err := s.Transfer(context.Background(), "ghost", existing, 5)
	var notFound *domain.CardNotFoundError
	if !errors.As(err, &notFound) || notFound.Side != domain.SideSender {
		t.Errorf("missing sender: got %v, want sender-side CardNotFoundError", err)
	}

	_, err = s.Transfer(context.Background(), existing, "ghost", 5)
	if !errors.As(err, &notFound) || notFound.Side != domain.SideRecipient {
		t.Errorf("missing recipient: got %v, want recipient-side CardNotFoundError", err)
	}

	// Both missing: the sender check wins.
	_, err = s.Transfer(context.Background(), "ghost-a", "ghost-b", 5)
	if !errors.As(err, &notFound) || notFound.Side != domain.SideSender {
		t.Errorf("both missing: got %v, want sender-side CardNotFoundError", err)
	}
	if !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("CardNotFoundError should match ErrRecordNotFound")
	}
}

func TestTransferSameCardRejected(t *testing.T) {
	s := newStore(t)
	card := provisionCard(t, s, 100.00)

	_, err := s.Transfer(context.Background(), card, card, 5)
	if !errors.Is(err, domain.ErrSameCard) {
		t.Fatalf("Transfer = %v, want ErrSameCard", err)
	}
	if b := cardBalance(t, s, card); b != 100.00 {
		t.Errorf("balance changed: %v", b)
	}
}

func TestToggleLockRoundTrip(t *testing.T) {
	s := newStore(t)
	card := provisionCard(t, s, 0)

	locked, err := s.ToggleLock(context.Background(), card, false)
	if err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if !locked {
		t.Error("first toggle should lock the card")
	}

	// Toggling again with the updated expectation restores the original
	// state.
	locked, err = s.ToggleLock(context.Background(), card, true)
	if err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	if locked {
		t.Error("second toggle should unlock the card")
	}
}

func TestToggleLockStaleExpectation(t *testing.T) {
	s := newStore(t)
	card := provisionCard(t, s, 0) // starts unlocked

	_, err := s.ToggleLock(context.Background(), card, true)
	var conflict *domain.StatusConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("ToggleLock = %v, want StatusConflictError", err)
	}
	if !conflict.Expected || conflict.Actual {
		t.Errorf("conflict = expected:%t actual:%t, want expected:true actual:false", conflict.Expected, conflict.Actual)
	}

	c, err := s.GetCard(context.Background(), card)
	if err != nil {
		t.Fatal(err)
	}
	if c.Metadata.IsLocked {
		t.Error("failed toggle must leave the lock unchanged")
	}
}

func TestToggleLockPreservesSiblingMetadata(t *testing.T) {
	s := newStore(t)
	card := provisionCard(t, s, 0)

	s.mu.RLock()
	slot := s.cards[card]
	s.mu.RUnlock()
	slot.card.Metadata.SpendingLimit = 500

	if _, err := s.ToggleLock(context.Background(), card, false); err != nil {
		t.Fatalf("ToggleLock: %v", err)
	}

	c, err := s.GetCard(context.Background(), card)
	if err != nil {
		t.Fatal(err)
	}
	if c.Metadata.SpendingLimit != 500 {
		t.Errorf("spending limit = %v, want 500", c.Metadata.SpendingLimit)
	}
	if c.Metadata.CardType != "debit" {
		t.Errorf("card type = %q, want debit", c.Metadata.CardType)
	}
}

func TestToggleLockUnknownCard(t *testing.T) {
	s := newStore(t)
	_, err := s.ToggleLock(context.Background(), "ghost", false)
	var notFound *domain.CardNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("ToggleLock = %v, want CardNotFoundError", err)
	}
}

func TestRecordTransaction(t *testing.T) {
	s := newStore(t)
	s.now = func() int64 { return 1700000000000 }
	card := provisionCard(t, s, 0)

	id, err := s.RecordTransaction(context.Background(), card, domain.TransactionDetails{
		SenderIdentifier: "payroll:acme",
		RecipientCardID:  card,
		Amount:           1250.00,
		Title:            "Salary",
		Currency:         "USD",
		Type:             domain.TypeDeposit,
		Status:           domain.StatusPending,
	})
	if err != nil {
		t.Fatalf("RecordTransaction: %v", err)
	}

	txn, err := s.GetTransaction(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if txn.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d, want server-stamped 1700000000000", txn.Timestamp)
	}
	if txn.SenderIdentifier != "payroll:acme" || txn.Amount != 1250.00 {
		t.Errorf("recorded fields mangled: %+v", txn)
	}

	c, err := s.GetCard(context.Background(), card)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Transactions) != 1 || c.Transactions[0] != id {
		t.Errorf("history = %v, want [%s]", c.Transactions, id)
	}
}

func TestRecordTransactionValidation(t *testing.T) {
	s := newStore(t)
	card := provisionCard(t, s, 0)

	_, err := s.RecordTransaction(context.Background(), card, domain.TransactionDetails{
		Amount: 0, Type: domain.TypeDeposit, Status: domain.StatusPending,
	})
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}

	_, err = s.RecordTransaction(context.Background(), "ghost", domain.TransactionDetails{
		Amount: 5, Type: domain.TypeDeposit, Status: domain.StatusPending,
	})
	var notFound *domain.CardNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("unknown card: got %v", err)
	}
}

func TestUpdateTransactionStatus(t *testing.T) {
	s := newStore(t)
	card := provisionCard(t, s, 0)
	ctx := context.Background()

	id, err := s.RecordTransaction(ctx, card, domain.TransactionDetails{
		SenderIdentifier: card, RecipientCardID: card,
		Amount: 5, Title: "Pending payment",
		Type: domain.TypePayment, Status: domain.StatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateTransactionStatus(ctx, id, domain.StatusCompleted); err != nil {
		t.Fatalf("PENDING -> COMPLETED: %v", err)
	}

	// Terminal; no further transitions.
	if err := s.UpdateTransactionStatus(ctx, id, domain.StatusReversed); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("COMPLETED -> REVERSED: got %v, want ErrInvalidTransition", err)
	}
	if err := s.UpdateTransactionStatus(ctx, id, "DONE"); !errors.Is(err, domain.ErrInvalidTransactionStatus) {
		t.Errorf("unknown status: got %v", err)
	}
	if err := s.UpdateTransactionStatus(ctx, "ghost", domain.StatusCompleted); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("unknown id: got %v", err)
	}
}

func TestSendMoneyRecordsBothParties(t *testing.T) {
	s := newStore(t)
	sender := provisionCard(t, s, 100.00)
	recipient := provisionCard(t, s, 50.00)
	ctx := context.Background()

	res, replay, err := s.SendMoney(ctx, ledger.SendMoneyRequest{
		SenderCardID:    sender,
		RecipientCardID: recipient,
		Amount:          30.00,
		Title:           "Dinner",
	}, "key-1", "hash-1")
	if err != nil {
		t.Fatalf("SendMoney: %v", err)
	}
	if replay != nil {
		t.Fatal("first call must not be a replay")
	}
	if res.SenderNewBalance != 70.00 || res.RecipientNewBalance != 80.00 {
		t.Errorf("balances = %v/%v, want 70.00/80.00", res.SenderNewBalance, res.RecipientNewBalance)
	}

	for _, tc := range []struct {
		cardID string
		txnID  string
	}{
		{sender, res.SenderTransactionID},
		{recipient, res.RecipientTransactionID},
	} {
		txn, err := s.GetTransaction(ctx, tc.txnID)
		if err != nil {
			t.Fatalf("GetTransaction: %v", err)
		}
		if txn.Type != domain.TypeTransfer || txn.Status != domain.StatusCompleted {
			t.Errorf("txn = %s/%s, want TRANSFER/COMPLETED", txn.Type, txn.Status)
		}
		if txn.Title != "Dinner" {
			t.Errorf("title = %q", txn.Title)
		}
		c, err := s.GetCard(ctx, tc.cardID)
		if err != nil {
			t.Fatal(err)
		}
		if len(c.Transactions) != 1 || c.Transactions[0] != tc.txnID {
			t.Errorf("history for %s = %v, want [%s]", tc.cardID, c.Transactions, tc.txnID)
		}
	}
}

func TestSendMoneyIdempotentReplay(t *testing.T) {
	s := newStore(t)
	sender := provisionCard(t, s, 100.00)
	recipient := provisionCard(t, s, 50.00)
	ctx := context.Background()

	req := ledger.SendMoneyRequest{SenderCardID: sender, RecipientCardID: recipient, Amount: 30.00}
	if _, _, err := s.SendMoney(ctx, req, "key-1", "hash-1"); err != nil {
		t.Fatal(err)
	}

	_, replay, err := s.SendMoney(ctx, req, "key-1", "hash-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay == nil {
		t.Fatal("second call with same key must replay")
	}
	if replay.ResponseStatus != 201 {
		t.Errorf("replay status = %d, want 201", replay.ResponseStatus)
	}

	// The replay must not move money again.
	if b := cardBalance(t, s, sender); b != 70.00 {
		t.Errorf("sender balance after replay = %v, want 70.00", b)
	}

	// Key reuse with a different payload is rejected.
	if _, _, err := s.SendMoney(ctx, req, "key-1", "other-hash"); !errors.Is(err, domain.ErrIdempotencyMismatch) {
		t.Errorf("mismatched hash: got %v, want ErrIdempotencyMismatch", err)
	}

	// A failed attempt releases its key for retry.
	poor := provisionCard(t, s, 1.00)
	failReq := ledger.SendMoneyRequest{SenderCardID: poor, RecipientCardID: recipient, Amount: 500}
	if _, _, err := s.SendMoney(ctx, failReq, "key-2", "hash-2"); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	okReq := ledger.SendMoneyRequest{SenderCardID: poor, RecipientCardID: recipient, Amount: 1.00}
	if _, _, err := s.SendMoney(ctx, okReq, "key-2", "hash-2b"); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
}

func TestConcurrentOpposingTransfers(t *testing.T) {
	s := newStore(t)
	a := provisionCard(t, s, 1000.00)
	b := provisionCard(t, s, 1000.00)
	ctx := context.Background()

	const rounds = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			s.Transfer(ctx, a, b, 1.00)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			s.Transfer(ctx, b, a, 1.00)
		}
	}()
	wg.Wait()

	total := cardBalance(t, s, a) + cardBalance(t, s, b)
	if total != 2000.00 {
		t.Errorf("total balance = %v, want 2000.00", total)
	}
}

func TestConcurrentHistoryAppends(t *testing.T) {
	s := newStore(t)
	card := provisionCard(t, s, 0)
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, err := s.RecordTransaction(ctx, card, domain.TransactionDetails{
				SenderIdentifier: "external",
				RecipientCardID:  card,
				Amount:           1,
				Title:            "Concurrent append",
				Type:             domain.TypeDeposit,
				Status:           domain.StatusCompleted,
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	c, err := s.GetCard(ctx, card)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Transactions) != writers {
		t.Errorf("history length = %d, want %d (no lost appends)", len(c.Transactions), writers)
	}
}

func TestHistoryMostRecentFirst(t *testing.T) {
	s := newStore(t)
	ts := int64(1000)
	s.now = func() int64 { ts++; return ts }
	card := provisionCard(t, s, 0)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.RecordTransaction(ctx, card, domain.TransactionDetails{
			SenderIdentifier: "external", RecipientCardID: card,
			Amount: 1, Title: fmt.Sprintf("Entry %d", i),
			Type: domain.TypeDeposit, Status: domain.StatusCompleted,
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	history, err := s.History(ctx, card)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d", len(history))
	}
	for i, txn := range history {
		want := ids[len(ids)-1-i]
		if txn.ID != want {
			t.Errorf("history[%d] = %s, want %s", i, txn.ID, want)
		}
	}
}

func TestWALRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cardops.wal")
	ctx := context.Background()

	log, err := wal.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(log)
	if err != nil {
		t.Fatal(err)
	}

	sender := provisionCard(t, s, 100.00)
	recipient := provisionCard(t, s, 50.00)
	if _, err := s.Transfer(ctx, sender, recipient, 30.00); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ToggleLock(ctx, recipient, false); err != nil {
		t.Fatal(err)
	}
	txnID, err := s.RecordTransaction(ctx, sender, domain.TransactionDetails{
		SenderIdentifier: "external", RecipientCardID: sender,
		Amount: 10, Title: "Pending deposit",
		Type: domain.TypeDeposit, Status: domain.StatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTransactionStatus(ctx, txnID, domain.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.SendMoney(ctx, ledger.SendMoneyRequest{
		SenderCardID: sender, RecipientCardID: recipient, Amount: 5.00,
	}, "key-1", "hash-1"); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	// Restart from the same log.
	log2, err := wal.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer log2.Close()
	restored, err := New(log2)
	if err != nil {
		t.Fatalf("recovery failed: %v", err)
	}

	if b := cardBalance(t, restored, sender); b != 65.00 {
		t.Errorf("sender balance after replay = %v, want 65.00", b)
	}
	if b := cardBalance(t, restored, recipient); b != 85.00 {
		t.Errorf("recipient balance after replay = %v, want 85.00", b)
	}

	c, err := restored.GetCard(ctx, recipient)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Metadata.IsLocked {
		t.Error("lock state lost in replay")
	}

	txn, err := restored.GetTransaction(ctx, txnID)
	if err != nil {
		t.Fatalf("transaction lost in replay: %v", err)
	}
	if txn.Status != domain.StatusCompleted {
		t.Errorf("status after replay = %s, want COMPLETED", txn.Status)
	}

	senderCard, err := restored.GetCard(ctx, sender)
	if err != nil {
		t.Fatal(err)
	}
	// One recorded deposit plus the send-money entry.
	if len(senderCard.Transactions) != 2 {
		t.Errorf("sender history length after replay = %d, want 2", len(senderCard.Transactions))
	}
}
