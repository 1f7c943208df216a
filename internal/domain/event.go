package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const SchemaVersion = "1.0"

const (
	EventAccountUpdated     = "AccountUpdated"
	EventCardStatusChanged  = "CardStatusChanged"
	EventTransactionCreated = "TransactionCreated"
)

const (
	TopicAccounts     = "carddemo.accounts"
	TopicCards        = "carddemo.cards"
	TopicTransactions = "carddemo.transactions"
	TopicDeadLetter   = "carddemo.dlq"
)

const (
	ScopeAccountsRead     = "accounts:read"
	ScopeCardsRead        = "cards:read"
	ScopeTransactionsRead = "transactions:read"
)

const (
	SourceAccountService     = "account-service"
	SourceCardService        = "card-service"
	SourceTransactionService = "transaction-service"
)

// DomainEvent is implemented by every event variant. The concrete type is
// selected by the eventType discriminator in the envelope.
type DomainEvent interface {
	Meta() *Envelope
	Topic() string
	RequiredScope() string
}

// Envelope carries the fields shared by every event variant.
type Envelope struct {
	EventID       string    `json:"eventId" validate:"required,uuid"`
	EventType     string    `json:"eventType" validate:"required"`
	SchemaVersion string    `json:"schemaVersion" validate:"omitempty,max=16"`
	Source        string    `json:"source" validate:"omitempty,max=64"`
	AggregateID   string    `json:"aggregateId" validate:"required,max=64"`
	OccurredAt    time.Time `json:"occurredAt" validate:"required"`
}

func (e *Envelope) Meta() *Envelope { return e }

func newEnvelope(eventType, source, aggregateID string) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		Source:        source,
		AggregateID:   aggregateID,
		OccurredAt:    time.Now().UTC(),
	}
}

type registration struct {
	topic    string
	scope    string
	newEvent func() DomainEvent
}

var registry = map[string]registration{
	EventAccountUpdated: {
		topic:    TopicAccounts,
		scope:    ScopeAccountsRead,
		newEvent: func() DomainEvent { return &AccountUpdated{} },
	},
	EventCardStatusChanged: {
		topic:    TopicCards,
		scope:    ScopeCardsRead,
		newEvent: func() DomainEvent { return &CardStatusChanged{} },
	},
	EventTransactionCreated: {
		topic:    TopicTransactions,
		scope:    ScopeTransactionsRead,
		newEvent: func() DomainEvent { return &TransactionCreated{} },
	},
}

// EventTypes returns the registered discriminators.
func EventTypes() []string {
	return []string{EventAccountUpdated, EventCardStatusChanged, EventTransactionCreated}
}

// TopicFor returns the broker topic for an event type.
func TopicFor(eventType string) (string, bool) {
	reg, ok := registry[eventType]
	return reg.topic, ok
}

// ScopeFor returns the partner scope required to receive an event type.
func ScopeFor(eventType string) (string, bool) {
	reg, ok := registry[eventType]
	return reg.scope, ok
}

// EncodeEvent serializes an event into its JSON wire form.
func EncodeEvent(e DomainEvent) ([]byte, error) {
	if e == nil || e.Meta() == nil {
		return nil, fmt.Errorf("encoding nil event: %w", ErrSerialization)
	}
	if _, ok := registry[e.Meta().EventType]; !ok {
		return nil, fmt.Errorf("encoding %q: %w", e.Meta().EventType, ErrUnknownEventType)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding event %s: %v: %w", e.Meta().EventID, err, ErrSerialization)
	}
	return data, nil
}

// DecodeEvent reads the eventType discriminator and unmarshals data into the
// matching variant.
func DecodeEvent(data []byte) (DomainEvent, error) {
	var head struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("reading event type: %v: %w", err, ErrSerialization)
	}

	reg, ok := registry[head.EventType]
	if !ok {
		return nil, fmt.Errorf("decoding %q: %w: %w", head.EventType, ErrUnknownEventType, ErrSerialization)
	}

	event := reg.newEvent()
	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("decoding %s: %v: %w", head.EventType, err, ErrSerialization)
	}
	if event.Meta().EventID == "" {
		return nil, fmt.Errorf("decoding %s: missing eventId: %w", head.EventType, ErrSerialization)
	}
	return event, nil
}

// Account update kinds.
const (
	UpdateStatusChange  = "STATUS_CHANGE"
	UpdateBalanceChange = "BALANCE_CHANGE"
	UpdateLimitChange   = "LIMIT_CHANGE"
	UpdateGeneral       = "GENERAL_UPDATE"
)

type AccountUpdated struct {
	Envelope
	AccountID           string           `json:"accountId"`
	CustomerID          string           `json:"customerId,omitempty"`
	UpdateType          string           `json:"updateType"`
	PreviousStatus      string           `json:"previousStatus,omitempty"`
	NewStatus           string           `json:"newStatus,omitempty"`
	PreviousBalance     *decimal.Decimal `json:"previousBalance,omitempty"`
	NewBalance          *decimal.Decimal `json:"newBalance,omitempty"`
	PreviousCreditLimit *decimal.Decimal `json:"previousCreditLimit,omitempty"`
	NewCreditLimit      *decimal.Decimal `json:"newCreditLimit,omitempty"`
	ChangedBy           string           `json:"changedBy,omitempty"`
}

func (e *AccountUpdated) Topic() string         { return TopicAccounts }
func (e *AccountUpdated) RequiredScope() string { return ScopeAccountsRead }

func newAccountUpdated(accountID, customerID, updateType, changedBy string) *AccountUpdated {
	return &AccountUpdated{
		Envelope:   newEnvelope(EventAccountUpdated, SourceAccountService, accountID),
		AccountID:  accountID,
		CustomerID: customerID,
		UpdateType: updateType,
		ChangedBy:  changedBy,
	}
}

func NewAccountStatusChange(accountID, customerID, previous, next, changedBy string) *AccountUpdated {
	e := newAccountUpdated(accountID, customerID, UpdateStatusChange, changedBy)
	e.PreviousStatus = previous
	e.NewStatus = next
	return e
}

func NewAccountBalanceChange(accountID, customerID string, previous, next decimal.Decimal, changedBy string) *AccountUpdated {
	e := newAccountUpdated(accountID, customerID, UpdateBalanceChange, changedBy)
	e.PreviousBalance = &previous
	e.NewBalance = &next
	return e
}

func NewAccountLimitChange(accountID, customerID string, previous, next decimal.Decimal, changedBy string) *AccountUpdated {
	e := newAccountUpdated(accountID, customerID, UpdateLimitChange, changedBy)
	e.PreviousCreditLimit = &previous
	e.NewCreditLimit = &next
	return e
}

type CardStatusChanged struct {
	Envelope
	MaskedCardNumber string `json:"maskedCardNumber"`
	AccountID        string `json:"accountId"`
	PreviousStatus   string `json:"previousStatus"`
	NewStatus        string `json:"newStatus"`
	Reason           string `json:"reason,omitempty"`
	ChangedBy        string `json:"changedBy,omitempty"`
}

func (e *CardStatusChanged) Topic() string         { return TopicCards }
func (e *CardStatusChanged) RequiredScope() string { return ScopeCardsRead }

// NewCardStatusChanged keys the event by card number; only the masked number
// is carried in the payload.
func NewCardStatusChanged(cardNumber, accountID, previous, next, reason, changedBy string) *CardStatusChanged {
	return &CardStatusChanged{
		Envelope:         newEnvelope(EventCardStatusChanged, SourceCardService, cardNumber),
		MaskedCardNumber: MaskCardNumber(cardNumber),
		AccountID:        accountID,
		PreviousStatus:   previous,
		NewStatus:        next,
		Reason:           reason,
		ChangedBy:        changedBy,
	}
}

type TransactionCreated struct {
	Envelope
	TransactionID       string          `json:"transactionId"`
	AccountID           string          `json:"accountId"`
	TransactionType     string          `json:"transactionType"`
	TransactionCategory string          `json:"transactionCategory,omitempty"`
	TransactionSource   string          `json:"transactionSource,omitempty"`
	TransactionDesc     string          `json:"transactionDesc,omitempty"`
	TransactionAmount   decimal.Decimal `json:"transactionAmount"`
	MerchantID          string          `json:"merchantId,omitempty"`
	MerchantName        string          `json:"merchantName,omitempty"`
	MerchantCity        string          `json:"merchantCity,omitempty"`
	MerchantZip         string          `json:"merchantZip,omitempty"`
	MaskedCardNumber    string          `json:"maskedCardNumber,omitempty"`
	TransactionDate     string          `json:"transactionDate"`
	TransactionTime     string          `json:"transactionTime"`
}

func (e *TransactionCreated) Topic() string         { return TopicTransactions }
func (e *TransactionCreated) RequiredScope() string { return ScopeTransactionsRead }

// Transaction is the input to NewTransactionCreated.
type Transaction struct {
	ID           string
	AccountID    string
	CardNumber   string
	Type         string
	Category     string
	Source       string
	Description  string
	Amount       decimal.Decimal
	MerchantID   string
	MerchantName string
	MerchantCity string
	MerchantZip  string
	ProcessedAt  time.Time
}

// NewTransactionCreated keys the event by account id so that all of an
// account's transactions land on one partition.
func NewTransactionCreated(tx Transaction) *TransactionCreated {
	return &TransactionCreated{
		Envelope:            newEnvelope(EventTransactionCreated, SourceTransactionService, tx.AccountID),
		TransactionID:       tx.ID,
		AccountID:           tx.AccountID,
		TransactionType:     tx.Type,
		TransactionCategory: tx.Category,
		TransactionSource:   tx.Source,
		TransactionDesc:     tx.Description,
		TransactionAmount:   tx.Amount,
		MerchantID:          tx.MerchantID,
		MerchantName:        tx.MerchantName,
		MerchantCity:        tx.MerchantCity,
		MerchantZip:         tx.MerchantZip,
		MaskedCardNumber:    MaskCardNumber(tx.CardNumber),
		TransactionDate:     tx.ProcessedAt.Format("2006-01-02"),
		TransactionTime:     tx.ProcessedAt.Format("15:04:05"),
	}
}

// MaskCardNumber keeps only the last four digits.
func MaskCardNumber(cardNumber string) string {
	if len(cardNumber) < 4 {
		return "****"
	}
	return "**** **** **** " + cardNumber[len(cardNumber)-4:]
}
