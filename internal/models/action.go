package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ActionKind represents the effect performed when a rule fires
type ActionKind string

const (
	ActionTransfer     ActionKind = "transfer"
	ActionMint         ActionKind = "mint"
	ActionBurn         ActionKind = "burn"
	ActionNotify       ActionKind = "notify"
	ActionFreeze       ActionKind = "freeze"
	ActionSplitPayment ActionKind = "split_payment"
)

// SplitRecipient is one leg of a split payment
type SplitRecipient struct {
	Recipient string          `json:"recipient" yaml:"recipient"`
	Amount    decimal.Decimal `json:"amount" yaml:"amount"`
}

// Action is a single effect of a rule. Payload fields depend on Kind.
type Action struct {
	Kind ActionKind `json:"kind" yaml:"kind"`

	// transfer, mint, burn, split_payment
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
	// transfer, mint, burn
	Amount    decimal.Decimal `json:"amount,omitempty" yaml:"amount,omitempty"`
	Recipient string          `json:"recipient,omitempty" yaml:"recipient,omitempty"`
	// notify
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
	// freeze
	Severity string `json:"severity,omitempty" yaml:"severity,omitempty"`
	// split_payment
	Recipients []SplitRecipient `json:"recipients,omitempty" yaml:"recipients,omitempty"`
}

// IsLedger reports whether the action calls the ledger
func (a Action) IsLedger() bool {
	switch a.Kind {
	case ActionTransfer, ActionMint, ActionBurn, ActionSplitPayment:
		return true
	}
	return false
}

// Validate checks the action payload for its kind
func (a Action) Validate() error {
	switch a.Kind {
	case ActionTransfer, ActionMint, ActionBurn:
		if a.Token == "" {
			return NewValidationError("token", fmt.Sprintf("%s requires a token", a.Kind))
		}
		if !a.Amount.IsPositive() {
			return NewValidationError("amount", fmt.Sprintf("%s requires amount > 0", a.Kind))
		}
		if a.Kind == ActionTransfer && a.Recipient == "" {
			return NewValidationError("recipient", "transfer requires a recipient")
		}
	case ActionSplitPayment:
		if a.Token == "" {
			return NewValidationError("token", "split_payment requires a token")
		}
		if len(a.Recipients) == 0 {
			return NewValidationError("recipients", "split_payment requires at least one recipient")
		}
		for i, r := range a.Recipients {
			if r.Recipient == "" {
				return NewValidationError("recipients", fmt.Sprintf("recipient %d is empty", i))
			}
			if !r.Amount.IsPositive() {
				return NewValidationError("recipients", fmt.Sprintf("recipient %d requires amount > 0", i))
			}
		}
	case ActionNotify:
		if a.Message == "" {
			return NewValidationError("message", "notify requires a message")
		}
	case ActionFreeze:
	default:
		return NewValidationError("kind", fmt.Sprintf("unknown action kind %q", a.Kind))
	}
	return nil
}
