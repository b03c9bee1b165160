package circuit

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_BreakerMatchesModel drives the breaker with random
// success/failure sequences and checks it against a reference model of the
// state machine. The cooldown is effectively infinite so the model never
// has to reason about time.
func TestProperty_BreakerMatchesModel(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("state follows the reference model", prop.ForAll(
		func(outcomes []bool, threshold int) bool {
			b := New(Config{
				FailureThreshold:  threshold,
				Cooldown:          time.Hour,
				RecoveryQuota:     2,
				HalfOpenMaxProbes: 1,
			})
			ctx := context.Background()

			open := false
			consecutiveFailures := 0

			for _, success := range outcomes {
				op := failOp
				if success {
					op = successOp
				}
				_, err := b.Execute(ctx, op)

				if open {
					// Open with an hour-long cooldown: every call rejected.
					if err != ErrOpen {
						return false
					}
					continue
				}

				if success {
					consecutiveFailures = 0
				} else {
					consecutiveFailures++
					if consecutiveFailures >= threshold {
						open = true
					}
				}

				wantState := StateClosed
				if open {
					wantState = StateOpen
				}
				if b.State() != wantState {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}
