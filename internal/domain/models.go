package domain

// NameParts holds a user's first and last name.
type NameParts struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Address is a user's mailing address.
type Address struct {
	Line1   string `json:"line1"`
	Line2   string `json:"line2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
	Country string `json:"country"`
}

// Contact is an entry in a user's contact list.
type Contact struct {
	UserID      string `json:"user_id"`
	PhoneNumber string `json:"phone_number"`
}

// User is an identity-linked profile. ExternalID is the identifier assigned
// by the identity provider the service delegates authentication to.
type User struct {
	ID          string    `json:"id"`
	Name        NameParts `json:"name"`
	Email       string    `json:"email"`
	ExternalID  string    `json:"external_id"`
	Address     Address   `json:"address"`
	PhoneNumber string    `json:"phone_number"`
	AccountID   string    `json:"account_id,omitempty"`
	Contacts    []Contact `json:"contacts"`
}

// Account pairs a routing/account number and owns at most one card.
type Account struct {
	ID      string `json:"id"`
	Number  string `json:"number"`
	Routing string `json:"routing"`
	UserID  string `json:"user_id"`
	CardID  string `json:"card_id,omitempty"`
}

// Expiration is a card expiration month/year pair.
type Expiration struct {
	Month string `json:"month"`
	Year  string `json:"year"`
}

// CardMetadata carries the mutable card settings. A lock toggle must rewrite
// the whole object so sibling fields survive the flip.
type CardMetadata struct {
	IsLocked      bool    `json:"is_locked"`
	SpendingLimit float64 `json:"spending_limit"`
	CardType      string  `json:"card_type"`
}

// Card is a monetary endpoint with a balance, lock flag, and transaction
// history. Balance never goes below zero and is written only by transfers.
type Card struct {
	ID           string       `json:"id"`
	Number       string       `json:"number"`
	Expiration   Expiration   `json:"expiration"`
	CVV          string       `json:"-"`
	Metadata     CardMetadata `json:"metadata"`
	Balance      float64      `json:"balance"`
	AccountID    string       `json:"account_id"`
	Transactions []string     `json:"transactions"`
}

// Debit removes amount from the balance, rounding the resulting balance to
// cents. The amount itself is never rounded.
func (c *Card) Debit(amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if c.Balance < amount {
		return ErrInsufficientFunds
	}
	c.Balance = Round2(c.Balance - amount)
	return nil
}

// Credit adds amount to the balance, rounding the resulting balance to cents.
func (c *Card) Credit(amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	c.Balance = Round2(c.Balance + amount)
	return nil
}
