package service

import "github.com/parley-ai/parley/pkg/db"

// TokenEstimator estimates the token cost of a text blob. The estimate is a
// budgeting unit, not the provider's own tokenization.
type TokenEstimator interface {
	Estimate(text string) int
}

// messageOverhead accounts for role and framing tokens per message.
const messageOverhead = 4

// HeuristicEstimator estimates roughly one token per four bytes of text.
type HeuristicEstimator struct{}

// NewTokenEstimator returns the default heuristic estimator.
func NewTokenEstimator() *HeuristicEstimator {
	return &HeuristicEstimator{}
}

func (e *HeuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// MessageTokens returns the budget cost of a stored message, preferring the
// token count recorded at write time.
func MessageTokens(est TokenEstimator, msg *db.ConversationMessage) int {
	if msg.Tokens > 0 {
		return msg.Tokens
	}
	return est.Estimate(msg.Content) + messageOverhead
}

// SumMessageTokens sums the budget cost of a message slice.
func SumMessageTokens(est TokenEstimator, msgs []db.ConversationMessage) int {
	total := 0
	for i := range msgs {
		total += MessageTokens(est, &msgs[i])
	}
	return total
}
