package tier

import "github.com/mbd888/tiergate/internal/ledger"

// User-visible denial reasons. Clients key upsell prompts off these.
const (
	ReasonPremiumRequiresPaid = "premium model requires paid tokens"
	ReasonInsufficientPaid    = "insufficient paid tokens"
	ReasonNoTokens            = "no tokens remaining"
)

// Classifier reports whether a model needs paid tokens. Unknown models
// must report true.
type Classifier interface {
	RequiresPremium(modelID string) bool
}

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Allowed         bool            `json:"allowed"`
	Currency        ledger.Currency `json:"currency"`
	Reason          string          `json:"reason,omitempty"`
	RequiresPremium bool            `json:"requiresPremium"`
}

// Policy decides access from a snapshot. It is pure and deterministic.
type Policy struct {
	models Classifier
}

// NewPolicy creates a policy over an immutable model classification.
func NewPolicy(models Classifier) *Policy {
	return &Policy{models: models}
}

// RequiresPremium reports the classification of modelID.
func (p *Policy) RequiresPremium(modelID string) bool {
	return p.models.RequiresPremium(modelID)
}

// Decide returns whether s may use modelID and which balance pays.
//
// Premium models are paid-only. Everything else spends free tokens first
// and falls back to paid tokens once the free allowance is gone.
func (p *Policy) Decide(s TierSnapshot, modelID string) Decision {
	premium := p.models.RequiresPremium(modelID)
	d := Decision{Currency: ledger.CurrencyNone, RequiresPremium: premium}

	if premium {
		switch {
		case s.Tier != ledger.TierPaid:
			d.Reason = ReasonPremiumRequiresPaid
		case !s.CanAccessPremiumModels:
			d.Reason = ReasonInsufficientPaid
		default:
			d.Allowed, d.Currency = true, ledger.CurrencyPaid
		}
		return d
	}

	switch {
	case s.FreeTokenBalance > 0:
		d.Allowed, d.Currency = true, ledger.CurrencyFree
	case s.PaidTokenBalance > 0:
		d.Allowed, d.Currency = true, ledger.CurrencyPaid
	default:
		d.Reason = ReasonNoTokens
	}
	return d
}
