package contextpack

import (
	"encoding/json"

	"github.com/floegence/turnengine/internal/ai/gateway"
)

// EstimateTokens approximates the token cost of payload as
// ceil(len(JSON(payload)) / 4).
func EstimateTokens(payload any) int {
	b, err := json.Marshal(payload)
	if err != nil || len(b) == 0 {
		return 0
	}
	return (len(b) + 3) / 4
}

// EstimateMessages sums the per-message estimates of msgs.
func EstimateMessages(msgs []gateway.Message) int {
	total := 0
	for i := range msgs {
		total += EstimateTokens(msgs[i])
	}
	return total
}
