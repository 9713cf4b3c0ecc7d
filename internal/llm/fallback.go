package llm

import (
	"time"

	"github.com/ternarybob/scriptor/internal/models"
)

// Action is the fallback policy's verdict after a classified failure
type Action int

const (
	// ActionRetrySame retries the current provider after Decision.Wait
	ActionRetrySame Action = iota
	// ActionSwitch moves to Decision.Provider
	ActionSwitch
	// ActionAbort stops generation; the task fails with the last classified message
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionRetrySame:
		return "retry_same"
	case ActionSwitch:
		return "switch"
	case ActionAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Decision is the fallback policy's output for one classified failure
type Decision struct {
	Action   Action
	Provider string // target provider when Action == ActionSwitch
	Wait     time.Duration
}

// Policy decides, per classified failure, whether to retry the same provider,
// switch to the next one, or abort. It is stateless: every input it needs is
// in the task's attempt trail, so decisions are reproducible from the audit
// log alone.
type Policy struct {
	// RateLimitRetryCap bounds consecutive rate-limit retries on one provider
	// before switching. Rate-limit retries do not consume the total budget.
	RateLimitRetryCap int

	// AttemptsPerProvider scales the total attempt cap: a run may make at most
	// len(providers) * AttemptsPerProvider counted attempts before aborting.
	AttemptsPerProvider int
}

// NewDefaultPolicy returns a policy with the default caps
func NewDefaultPolicy() *Policy {
	return &Policy{
		RateLimitRetryCap:   3,
		AttemptsPerProvider: 2,
	}
}

// Decide maps a classified failure to a fallback decision.
//
//	current   - the provider that just failed
//	attempts  - the task's full attempt trail, including this failure
//	remaining - providers not yet tried, in fallback order
//	total     - total number of providers configured for this task
func (p *Policy) Decide(c Classified, attempts []models.ProviderAttempt, current string, remaining []string, total int) Decision {
	// Hard cap: never loop indefinitely. Rate-limit retries are excluded from
	// the count so a slow-but-alive provider is not mistaken for a dead one.
	if p.countedAttempts(attempts) >= total*p.AttemptsPerProvider {
		return Decision{Action: ActionAbort}
	}

	switch c.Kind {
	case KindAuthError:
		// A bad key will not fix itself; never retry the same provider.
		return p.switchOrAbort(remaining, 0)

	case KindQuotaExceeded:
		return p.switchOrAbort(remaining, 0)

	case KindConnectionTimeout, KindConnectionRefused, KindServiceUnavailable:
		if p.failuresOnProvider(attempts, current, c.Kind) <= 1 {
			return Decision{Action: ActionRetrySame, Wait: c.RetryAfter}
		}
		return p.switchOrAbort(remaining, 0)

	case KindRateLimited:
		if p.rateLimitRetries(attempts, current) <= p.RateLimitRetryCap {
			return Decision{Action: ActionRetrySame, Wait: c.RetryAfter}
		}
		return p.switchOrAbort(remaining, c.RetryAfter)

	default: // KindUnknown and anything unrecognised
		return p.switchOrAbort(remaining, 0)
	}
}

func (p *Policy) switchOrAbort(remaining []string, wait time.Duration) Decision {
	if len(remaining) == 0 {
		return Decision{Action: ActionAbort}
	}
	return Decision{Action: ActionSwitch, Provider: remaining[0], Wait: wait}
}

// countedAttempts counts attempts against the total budget. Rate-limit
// retries are recorded in the trail but excluded here.
func (p *Policy) countedAttempts(attempts []models.ProviderAttempt) int {
	n := 0
	for _, a := range attempts {
		if a.ErrorKind == string(KindRateLimited) && a.Outcome == models.AttemptOutcomeRetried {
			continue
		}
		n++
	}
	return n
}

// failuresOnProvider counts trail entries for one provider with one kind
func (p *Policy) failuresOnProvider(attempts []models.ProviderAttempt, provider string, kind ErrorKind) int {
	n := 0
	for _, a := range attempts {
		if a.Provider == provider && a.ErrorKind == string(kind) {
			n++
		}
	}
	return n
}

// rateLimitRetries counts consecutive trailing rate-limit entries for provider
func (p *Policy) rateLimitRetries(attempts []models.ProviderAttempt, provider string) int {
	n := 0
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if a.Provider != provider || a.ErrorKind != string(KindRateLimited) {
			break
		}
		n++
	}
	return n
}
