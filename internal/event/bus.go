package event

import (
	"strings"
	"sync"
	"time"
)

const (
	EventBalanceUpdated = "account.balance.updated"
	EventStatusUpdated  = "account.status.updated"
	EventKeyIssued      = "key.issued"
	EventCodeRedeemed   = "referral.code.redeemed"
)

type BalanceUpdatedPayload struct {
	AccountID        string     `json:"account_id"`
	ModID            string     `json:"mod_id,omitempty"`
	Balance          int64      `json:"balance"`
	UnlimitedBalance bool       `json:"unlimited_balance"`
	BalanceExpiresAt *time.Time `json:"balance_expires_at,omitempty"`
	Status           string     `json:"status"`
}

type StatusUpdatedPayload struct {
	AccountID string `json:"account_id"`
	Active    bool   `json:"active"`
	Status    string `json:"status"`
}

type KeyIssuedPayload struct {
	AccountID string `json:"account_id"`
	KeyID     string `json:"key_id"`
	ModID     string `json:"mod_id,omitempty"`
	Cost      int64  `json:"cost"`
}

type CodeRedeemedPayload struct {
	AccountID    string `json:"account_id"`
	Code         string `json:"code"`
	Balance      int64  `json:"balance"`
	Unlimited    bool   `json:"unlimited"`
	DurationDays int    `json:"duration_days"`
}

type Bus struct {
	handlers sync.Map
	mu       sync.Mutex
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(event string, handler func(payload any)) {
	if b == nil || handler == nil {
		return
	}

	eventName := strings.TrimSpace(event)
	if eventName == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := make([]func(payload any), 0, 1)
	if current, ok := b.handlers.Load(eventName); ok {
		if casted, valid := current.([]func(payload any)); valid {
			handlers = append(handlers, casted...)
		}
	}
	handlers = append(handlers, handler)
	b.handlers.Store(eventName, handlers)
}

func (b *Bus) Publish(event string, payload any) {
	if b == nil {
		return
	}

	eventName := strings.TrimSpace(event)
	if eventName == "" {
		return
	}

	current, ok := b.handlers.Load(eventName)
	if !ok {
		return
	}

	handlers, ok := current.([]func(payload any))
	if !ok || len(handlers) == 0 {
		return
	}

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		go handler(payload)
	}
}
