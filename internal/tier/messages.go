package tier

import (
	"fmt"
	"time"

	"github.com/mbd888/tiergate/internal/ledger"
)

func purchasedMessage(tokens, balance int64) (string, string) {
	return "Tokens added to your account",
		fmt.Sprintf("%d tokens were added. Your paid balance is now %d.", tokens, balance)
}

func lowBalanceMessage(balance int64) (string, string) {
	return "Your token balance is running low",
		fmt.Sprintf("You have %d paid tokens left. Top up to keep using premium models.", balance)
}

func depletedMessage(deadline *time.Time) (string, string) {
	if deadline == nil {
		return "You're out of paid tokens",
			"Your paid balance reached zero. Top up to keep using premium models."
	}
	return "You're out of paid tokens",
		fmt.Sprintf("Your paid balance reached zero. Your paid tier is kept until %s; top up before then to keep it.",
			deadline.UTC().Format(time.RFC1123))
}

func downgradedMessage(reason ledger.Reason, forfeited int64) (string, string) {
	subject := "Your account moved to the free tier"
	switch reason {
	case ledger.ReasonGraceExpired:
		return subject, "Your grace period ended without a top-up. Free models remain available with your daily allowance."
	case ledger.ReasonManual:
		if forfeited > 0 {
			return subject, fmt.Sprintf("An administrator moved your account to the free tier. %d unused paid tokens were removed.", forfeited)
		}
		return subject, "An administrator moved your account to the free tier."
	default:
		return subject, "Your paid balance is used up. Free models remain available with your daily allowance."
	}
}

func refundedMessage(amount int64, currency ledger.Currency) (string, string) {
	return "Tokens refunded",
		fmt.Sprintf("%d %s tokens were returned to your balance after a failed request.", amount, currency)
}
