// Package postgres implements the ledger on top of a transactional store.
// Cross-card atomicity uses SELECT ... FOR UPDATE row locks acquired in
// ascending card-id order inside a RepeatableRead transaction; the history is
// an append-only transactions table indexed by card id, so recording never
// rewrites a list.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nvallett/cardops/internal/domain"
	"github.com/nvallett/cardops/internal/ledger"
)

const pgUniqueViolation = "23505"

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Connect builds a pool from connString and verifies it with a ping.
func Connect(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &Store{db: pool}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) Transfer(ctx context.Context, senderCardID, recipientCardID string, amount float64) (*ledger.TransferResult, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if senderCardID == recipientCardID {
		return nil, domain.ErrSameCard
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	senderBalance, recipientBalance, err := lockBalances(ctx, tx, senderCardID, recipientCardID)
	if err != nil {
		return nil, err
	}
	if senderBalance < amount {
		return nil, domain.ErrInsufficientFunds
	}

	// Round each resulting balance independently; the amount is never rounded.
	newSender := domain.Round2(senderBalance - amount)
	newRecipient := domain.Round2(recipientBalance + amount)

	if _, err := tx.Exec(ctx, "UPDATE cards SET balance = $1 WHERE id = $2", newSender, senderCardID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, "UPDATE cards SET balance = $1 WHERE id = $2", newRecipient, recipientCardID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return &ledger.TransferResult{SenderNewBalance: newSender, RecipientNewBalance: newRecipient}, nil
}

// lockBalances acquires row locks on both cards in ascending id order and
// returns the balances keyed back to sender/recipient. A missing row is
// reported with the side it belonged to; the sender is checked first when
// both are missing.
func lockBalances(ctx context.Context, tx pgx.Tx, senderCardID, recipientCardID string) (float64, float64, error) {
	firstID, secondID := senderCardID, recipientCardID
	if firstID > secondID {
		firstID, secondID = secondID, firstID
	}

	exists, err := cardExists(ctx, tx, senderCardID)
	if err != nil {
		return 0, 0, err
	}
	if !exists {
		return 0, 0, &domain.CardNotFoundError{Side: domain.SideSender, CardID: senderCardID}
	}

	var firstBalance, secondBalance float64
	if err := tx.QueryRow(ctx, "SELECT balance FROM cards WHERE id = $1 FOR UPDATE", firstID).Scan(&firstBalance); err != nil {
		return 0, 0, lockErr(err, firstID, senderCardID)
	}
	if err := tx.QueryRow(ctx, "SELECT balance FROM cards WHERE id = $1 FOR UPDATE", secondID).Scan(&secondBalance); err != nil {
		return 0, 0, lockErr(err, secondID, senderCardID)
	}

	if firstID == senderCardID {
		return firstBalance, secondBalance, nil
	}
	return secondBalance, firstBalance, nil
}

func lockErr(err error, failedID, senderCardID string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		side := domain.SideRecipient
		if failedID == senderCardID {
			side = domain.SideSender
		}
		return &domain.CardNotFoundError{Side: side, CardID: failedID}
	}
	return fmt.Errorf("lock acquisition failed: %w", err)
}

func cardExists(ctx context.Context, tx pgx.Tx, cardID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM cards WHERE id = $1)", cardID).Scan(&exists)
	return exists, err
}

func (s *Store) ToggleLock(ctx context.Context, cardID string, expectedLocked bool) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var md domain.CardMetadata
	err = tx.QueryRow(ctx,
		"SELECT is_locked, spending_limit, card_type FROM cards WHERE id = $1 FOR UPDATE",
		cardID,
	).Scan(&md.IsLocked, &md.SpendingLimit, &md.CardType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, &domain.CardNotFoundError{CardID: cardID}
		}
		return false, err
	}

	if md.IsLocked != expectedLocked {
		return false, &domain.StatusConflictError{Expected: expectedLocked, Actual: md.IsLocked}
	}

	md.IsLocked = !md.IsLocked
	// Write the whole metadata object back so sibling fields are preserved.
	_, err = tx.Exec(ctx,
		"UPDATE cards SET is_locked = $1, spending_limit = $2, card_type = $3 WHERE id = $4",
		md.IsLocked, md.SpendingLimit, md.CardType, cardID,
	)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("tx commit failed: %w", err)
	}
	return md.IsLocked, nil
}

func (s *Store) RecordTransaction(ctx context.Context, cardID string, details domain.TransactionDetails) (string, error) {
	if err := details.Validate(); err != nil {
		return "", err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	id, err := insertTransaction(ctx, tx, cardID, details)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("tx commit failed: %w", err)
	}
	return id, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, cardID string, details domain.TransactionDetails) (string, error) {
	exists, err := cardExists(ctx, tx, cardID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", &domain.CardNotFoundError{CardID: cardID}
	}

	id := uuid.NewString()
	var initiatedBy, location *string
	var method *string
	var fees *float64
	if md := details.Metadata; md != nil {
		if md.InitiatedBy != "" {
			initiatedBy = &md.InitiatedBy
		}
		if md.Method != "" {
			m := string(md.Method)
			method = &m
		}
		if md.Fees != 0 {
			fees = &md.Fees
		}
		if md.Location != "" {
			location = &md.Location
		}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO transactions
			(id, card_id, sender_identifier, recipient_card_id, amount, title, currency, type, status, ts, initiated_by, method, fees, location)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		id, cardID, details.SenderIdentifier, details.RecipientCardID, details.Amount,
		details.Title, details.Currency, string(details.Type), string(details.Status),
		time.Now().UnixMilli(), initiatedBy, method, fees, location,
	)
	if err != nil {
		return "", fmt.Errorf("transaction insert failed: %w", err)
	}
	return id, nil
}

func (s *Store) SendMoney(ctx context.Context, req ledger.SendMoneyRequest, idemKey, reqHash string) (*ledger.SendMoneyResult, *ledger.IdempotencyRecord, error) {
	if req.Amount <= 0 {
		return nil, nil, domain.ErrInvalidAmount
	}
	if req.SenderCardID == req.RecipientCardID {
		return nil, nil, domain.ErrSameCard
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if idemKey != "" {
		var storedStatus int
		var storedBody json.RawMessage
		var storedHash string
		err = tx.QueryRow(ctx,
			"SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE key = $1",
			idemKey,
		).Scan(&storedStatus, &storedBody, &storedHash)
		if err == nil {
			if storedHash != reqHash {
				return nil, nil, domain.ErrIdempotencyMismatch
			}
			return nil, &ledger.IdempotencyRecord{
				Key:            idemKey,
				RequestHash:    storedHash,
				ResponseBody:   storedBody,
				ResponseStatus: storedStatus,
			}, nil
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("idempotency query failed: %w", err)
		}

		_, err = tx.Exec(ctx,
			"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, 'in_progress')",
			idemKey, reqHash,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return nil, nil, domain.ErrIdempotencyConflict
			}
			return nil, nil, fmt.Errorf("key reservation failed: %w", err)
		}
	}

	senderBalance, recipientBalance, err := lockBalances(ctx, tx, req.SenderCardID, req.RecipientCardID)
	if err != nil {
		return nil, nil, err
	}
	if senderBalance < req.Amount {
		return nil, nil, domain.ErrInsufficientFunds
	}

	newSender := domain.Round2(senderBalance - req.Amount)
	newRecipient := domain.Round2(recipientBalance + req.Amount)
	if _, err := tx.Exec(ctx, "UPDATE cards SET balance = $1 WHERE id = $2", newSender, req.SenderCardID); err != nil {
		return nil, nil, err
	}
	if _, err := tx.Exec(ctx, "UPDATE cards SET balance = $1 WHERE id = $2", newRecipient, req.RecipientCardID); err != nil {
		return nil, nil, err
	}

	details := sendDetails(req)
	senderTxnID, err := insertTransaction(ctx, tx, req.SenderCardID, details)
	if err != nil {
		return nil, nil, err
	}
	recipientTxnID, err := insertTransaction(ctx, tx, req.RecipientCardID, details)
	if err != nil {
		return nil, nil, err
	}

	res := &ledger.SendMoneyResult{
		TransferResult: ledger.TransferResult{
			SenderNewBalance:    newSender,
			RecipientNewBalance: newRecipient,
		},
		SenderTransactionID:    senderTxnID,
		RecipientTransactionID: recipientTxnID,
	}

	if idemKey != "" {
		body, err := json.Marshal(res)
		if err != nil {
			return nil, nil, err
		}
		_, err = tx.Exec(ctx,
			"UPDATE idempotency_keys SET status = 'completed', response_status = $1, response_body = $2 WHERE key = $3",
			http.StatusCreated, body, idemKey,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency update failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return res, nil, nil
}

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
		details.Metadata = &domain.TransactionMetadata{InitiatedBy: req.InitiatedBy, Method: method}
	}
	return details
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, transactionID string, status domain.TransactionStatus) error {
	if !domain.ValidStatus(status) {
		return domain.ErrInvalidTransactionStatus
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, "SELECT status FROM transactions WHERE id = $1 FOR UPDATE", transactionID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrRecordNotFound
		}
		return err
	}
	if !domain.CanTransition(domain.TransactionStatus(current), status) {
		return domain.ErrInvalidTransition
	}
	if _, err := tx.Exec(ctx, "UPDATE transactions SET status = $1 WHERE id = $2", string(status), transactionID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *Store) Provision(ctx context.Context, in ledger.ProvisionInput) (*ledger.ProvisionResult, error) {
	if in.InitialBalance < 0 {
		return nil, domain.ErrInvalidAmount
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	user := domain.User{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Email:       in.Email,
		ExternalID:  in.ExternalID,
		Address:     in.Address,
		PhoneNumber: in.PhoneNumber,
		Contacts:    []domain.Contact{},
	}
	account := domain.Account{
		ID:      uuid.NewString(),
		Number:  ledger.RandomDigits(12),
		Routing: ledger.RandomDigits(9),
		UserID:  user.ID,
	}
	exp := time.Now().AddDate(4, 0, 0)
	card := domain.Card{
		ID:     uuid.NewString(),
		Number: ledger.RandomDigits(16),
		Expiration: domain.Expiration{
			Month: fmt.Sprintf("%02d", int(exp.Month())),
			Year:  fmt.Sprintf("%d", exp.Year()),
		},
		CVV:       ledger.RandomDigits(3),
		Metadata:  domain.CardMetadata{CardType: "debit"},
		Balance:   domain.Round2(in.InitialBalance),
		AccountID: account.ID,
	}
	account.CardID = card.ID
	user.AccountID = account.ID

	_, err = tx.Exec(ctx, `
		INSERT INTO users (id, first_name, last_name, email, external_id, phone_number, line1, line2, city, state, zip_code, country, account_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		user.ID, user.Name.FirstName, user.Name.LastName, user.Email, user.ExternalID, user.PhoneNumber,
		user.Address.Line1, user.Address.Line2, user.Address.City, user.Address.State, user.Address.ZipCode, user.Address.Country,
		account.ID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, domain.ErrUserExists
		}
		return nil, fmt.Errorf("user insert failed: %w", err)
	}
	_, err = tx.Exec(ctx,
		"INSERT INTO accounts (id, number, routing, user_id, card_id) VALUES ($1, $2, $3, $4, $5)",
		account.ID, account.Number, account.Routing, account.UserID, account.CardID,
	)
	if err != nil {
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO cards (id, number, exp_month, exp_year, cvv, is_locked, spending_limit, card_type, balance, account_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		card.ID, card.Number, card.Expiration.Month, card.Expiration.Year, card.CVV,
		card.Metadata.IsLocked, card.Metadata.SpendingLimit, card.Metadata.CardType, card.Balance, card.AccountID,
	)
	if err != nil {
		return nil, fmt.Errorf("card insert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return &ledger.ProvisionResult{User: user, Account: account, Card: card}, nil
}

func (s *Store) GetCard(ctx context.Context, cardID string) (*domain.Card, error) {
	var c domain.Card
	err := s.db.QueryRow(ctx, `
		SELECT id, number, exp_month, exp_year, is_locked, spending_limit, card_type, balance, account_id
		FROM cards WHERE id = $1`, cardID,
	).Scan(&c.ID, &c.Number, &c.Expiration.Month, &c.Expiration.Year,
		&c.Metadata.IsLocked, &c.Metadata.SpendingLimit, &c.Metadata.CardType, &c.Balance, &c.AccountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.CardNotFoundError{CardID: cardID}
		}
		return nil, err
	}

	rows, err := s.db.Query(ctx, "SELECT id FROM transactions WHERE card_id = $1 ORDER BY ts ASC", cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		c.Transactions = append(c.Transactions, id)
	}
	return &c, rows.Err()
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	var a domain.Account
	err := s.db.QueryRow(ctx,
		"SELECT id, number, routing, user_id, COALESCE(card_id, '') FROM accounts WHERE id = $1", accountID,
	).Scan(&a.ID, &a.Number, &a.Routing, &a.UserID, &a.CardID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return s.getUser(ctx, "id", userID)
}

func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (*domain.User, error) {
	return s.getUser(ctx, "external_id", externalID)
}

func (s *Store) getUser(ctx context.Context, column, value string) (*domain.User, error) {
	var u domain.User
	query := fmt.Sprintf(`
		SELECT id, first_name, last_name, email, external_id, phone_number, line1, COALESCE(line2, ''), city, state, zip_code, country, COALESCE(account_id, '')
		FROM users WHERE %s = $1`, column)
	err := s.db.QueryRow(ctx, query, value).Scan(
		&u.ID, &u.Name.FirstName, &u.Name.LastName, &u.Email, &u.ExternalID, &u.PhoneNumber,
		&u.Address.Line1, &u.Address.Line2, &u.Address.City, &u.Address.State, &u.Address.ZipCode, &u.Address.Country,
		&u.AccountID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, err
	}
	contacts, err := s.Contacts(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	u.Contacts = contacts
	return &u, nil
}

func (s *Store) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, sender_identifier, recipient_card_id, amount, title, currency, type, status, ts, initiated_by, method, fees, location
		FROM transactions WHERE id = $1`, transactionID)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *Store) History(ctx context.Context, cardID string) ([]domain.Transaction, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	exists, err := cardExists(ctx, tx, cardID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &domain.CardNotFoundError{CardID: cardID}
	}

	rows, err := tx.Query(ctx, `
		SELECT id, sender_identifier, recipient_card_id, amount, title, currency, type, status, ts, initiated_by, method, fees, location
		FROM transactions WHERE card_id = $1 ORDER BY ts DESC`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, tx.Commit(ctx)
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var typ, status string
	var initiatedBy, method, location *string
	var fees *float64
	err := row.Scan(&t.ID, &t.SenderIdentifier, &t.RecipientCardID, &t.Amount, &t.Title, &t.Currency,
		&typ, &status, &t.Timestamp, &initiatedBy, &method, &fees, &location)
	if err != nil {
		return nil, err
	}
	t.Type = domain.TransactionType(typ)
	t.Status = domain.TransactionStatus(status)
	if initiatedBy != nil || method != nil || fees != nil || location != nil {
		md := &domain.TransactionMetadata{}
		if initiatedBy != nil {
			md.InitiatedBy = *initiatedBy
		}
		if method != nil {
			md.Method = domain.DeliveryMethod(*method)
		}
		if fees != nil {
			md.Fees = *fees
		}
		if location != nil {
			md.Location = *location
		}
		t.Metadata = md
	}
	return &t, nil
}

func (s *Store) AddContact(ctx context.Context, userID string, contact domain.Contact) error {
	var exists bool
	if err := s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", userID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrRecordNotFound
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO contacts (user_id, contact_user_id, phone_number)
		VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		userID, contact.UserID, contact.PhoneNumber)
	return err
}

func (s *Store) Contacts(ctx context.Context, userID string) ([]domain.Contact, error) {
	rows, err := s.db.Query(ctx,
		"SELECT contact_user_id, phone_number FROM contacts WHERE user_id = $1 ORDER BY contact_user_id", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Contact, 0)
	for rows.Next() {
		var c domain.Contact
		if err := rows.Scan(&c.UserID, &c.PhoneNumber); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var _ ledger.Ledger = (*Store)(nil)
