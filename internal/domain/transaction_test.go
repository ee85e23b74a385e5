package domain

import "testing"

func TestCanTransition(t *testing.T) {
	for _, to := range []TransactionStatus{StatusCompleted, StatusFailed, StatusReversed} {
		if !CanTransition(StatusPending, to) {
			t.Errorf("PENDING -> %s should be allowed", to)
		}
	}

	// Terminal states never move, not even back to PENDING.
	for _, from := range []TransactionStatus{StatusCompleted, StatusFailed, StatusReversed} {
		for _, to := range []TransactionStatus{StatusPending, StatusCompleted, StatusFailed, StatusReversed} {
			if CanTransition(from, to) {
				t.Errorf("%s -> %s should be rejected", from, to)
			}
		}
	}

	if CanTransition(StatusPending, StatusPending) {
		t.Error("PENDING -> PENDING should be rejected")
	}
}

func TestTransactionDetailsValidate(t *testing.T) {
	valid := TransactionDetails{
		SenderIdentifier: "card-a",
		RecipientCardID:  "card-b",
		Amount:           25.50,
		Title:            "Lunch",
		Type:             TypeTransfer,
		Status:           StatusCompleted,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid details rejected: %v", err)
	}

	zeroAmount := valid
	zeroAmount.Amount = 0
	if err := zeroAmount.Validate(); err != ErrInvalidAmount {
		t.Errorf("zero amount: got %v, want ErrInvalidAmount", err)
	}

	badType := valid
	badType.Type = "REFUND"
	if err := badType.Validate(); err != ErrInvalidTransactionType {
		t.Errorf("bad type: got %v, want ErrInvalidTransactionType", err)
	}

	badStatus := valid
	badStatus.Status = "DONE"
	if err := badStatus.Validate(); err != ErrInvalidTransactionStatus {
		t.Errorf("bad status: got %v, want ErrInvalidTransactionStatus", err)
	}
}
