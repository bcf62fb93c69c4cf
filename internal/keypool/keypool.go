// Package keypool manages the per-provider credential pools: rotation,
// health tracking and maintenance. One pool exists per provider id; a policy
// chosen by protocol family governs cool-downs and retry budgets, since
// OpenAI-style and Gemini-style quotas fail in different shapes.
package keypool

import (
	"time"

	"golang.org/x/time/rate"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusExhausted Status = "exhausted"
	StatusError     Status = "error"
	StatusDisabled  Status = "disabled"
)

// Record is one credential. Secret is sealed before persistence when a
// master cipher is configured.
type Record struct {
	ID            string    `json:"id"`
	Secret        string    `json:"secret"`
	Status        Status    `json:"status"`
	ErrorCount    int       `json:"error_count"`
	LastError     string    `json:"last_error,omitempty"`
	DisabledUntil time.Time `json:"disabled_until,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// usable reports whether the key can serve a request right now. Exhausted
// keys stay unusable until an explicit reset even after the cool-down
// elapses; status never changes silently.
func (r *Record) usable(now time.Time) bool {
	return r.Status == StatusActive
}

// coolDownElapsed reports whether an exhausted key may be reactivated.
func (r *Record) coolDownElapsed(now time.Time) bool {
	return r.Status == StatusExhausted && !r.DisabledUntil.After(now)
}

// Policy captures the rotation/health tuning of one protocol family.
type Policy struct {
	// Family is a label for logs and metrics.
	Family string
	// CoolDown is how long an exhausted key waits before a maintenance
	// reset may reactivate it.
	CoolDown time.Duration
	// TerminalBudget is how many terminal errors a key survives before the
	// sweep prunes it.
	TerminalBudget int
	// PerKeyRate paces requests on a single credential.
	PerKeyRate  rate.Limit
	PerKeyBurst int
}

// PolicyFor selects the policy for a provider protocol family. OpenAI-style
// rate limits recover on a rolling window, so the cool-down is short; Gemini
// quota exhaustion tends to be a daily bucket, so its keys rest longer and
// get a smaller terminal budget.
func PolicyFor(providerType string) Policy {
	switch providerType {
	case "gemini":
		return Policy{
			Family:         "gemini",
			CoolDown:       10 * time.Minute,
			TerminalBudget: 3,
			PerKeyRate:     rate.Limit(2),
			PerKeyBurst:    4,
		}
	case "claude":
		return Policy{
			Family:         "claude",
			CoolDown:       5 * time.Minute,
			TerminalBudget: 5,
			PerKeyRate:     rate.Limit(5),
			PerKeyBurst:    10,
		}
	default:
		return Policy{
			Family:         "openai",
			CoolDown:       5 * time.Minute,
			TerminalBudget: 5,
			PerKeyRate:     rate.Limit(10),
			PerKeyBurst:    20,
		}
	}
}
