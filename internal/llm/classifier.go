package llm

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrorKind is the closed set of classified provider failure kinds
type ErrorKind string

const (
	KindQuotaExceeded      ErrorKind = "quota_exceeded"
	KindConnectionTimeout  ErrorKind = "connection_timeout"
	KindConnectionRefused  ErrorKind = "connection_refused"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindAuthError          ErrorKind = "auth_error"
	KindRateLimited        ErrorKind = "rate_limited"
	KindUnknown            ErrorKind = "unknown"
)

// Classified is the result of classifying a provider failure
type Classified struct {
	Kind        ErrorKind
	UserMessage string
	RetryAfter  time.Duration // zero when no retry is suggested
}

// signature is one pattern in a provider's error table
type signature struct {
	kind    ErrorKind
	pattern *regexp.Regexp
}

func sig(kind ErrorKind, expr string) signature {
	return signature{kind: kind, pattern: regexp.MustCompile("(?i)" + expr)}
}

// providerSignatures holds per-provider error signature tables. First match
// wins; providers without a table fall back to the default table. The matching
// is data-driven so new providers only add rows, not code.
var providerSignatures = map[string][]signature{
	ProviderClaude: {
		sig(KindQuotaExceeded, `credit.*balance.*too.*low`),
		sig(KindQuotaExceeded, `quota.*exceeded`),
		sig(KindQuotaExceeded, `insufficient.*quota`),
		sig(KindRateLimited, `rate.?limit`),
		sig(KindRateLimited, `too.*many.*requests`),
		sig(KindRateLimited, `overloaded`),
		sig(KindAuthError, `invalid.*api.*key`),
		sig(KindAuthError, `authentication.*(failed|error)`),
		sig(KindAuthError, `unauthorized`),
		sig(KindAuthError, `permission.*denied`),
		sig(KindConnectionTimeout, `deadline.*exceeded`),
		sig(KindConnectionTimeout, `timed?.?out`),
		sig(KindConnectionRefused, `connection.*refused`),
		sig(KindServiceUnavailable, `service.*unavailable`),
		sig(KindServiceUnavailable, `internal.*server.*error`),
	},
	ProviderGemini: {
		sig(KindRateLimited, `quota.*per.*minute`),
		sig(KindQuotaExceeded, `quota.*exceeded`),
		sig(KindQuotaExceeded, `(project|user).*quota`),
		sig(KindRateLimited, `resource_exhausted`),
		sig(KindRateLimited, `rate.?limit`),
		sig(KindRateLimited, `too.*many.*requests`),
		sig(KindAuthError, `api.*key.*not.*valid`),
		sig(KindAuthError, `permission.*denied`),
		sig(KindAuthError, `unauthenticated`),
		sig(KindConnectionTimeout, `deadline.*exceeded`),
		sig(KindConnectionTimeout, `timed?.?out`),
		sig(KindConnectionRefused, `connection.*refused`),
		sig(KindConnectionRefused, `unreachable`),
		sig(KindServiceUnavailable, `service.*unavailable`),
		sig(KindServiceUnavailable, `temporarily.*unavailable`),
		sig(KindServiceUnavailable, `internal.*error`),
	},
}

// defaultSignatures is used for providers without a dedicated table
var defaultSignatures = []signature{
	sig(KindQuotaExceeded, `quota.*exceeded`),
	sig(KindRateLimited, `rate.?limit`),
	sig(KindRateLimited, `too.*many.*requests`),
	sig(KindAuthError, `authentication.*(failed|error)`),
	sig(KindAuthError, `invalid.*api.*key`),
	sig(KindAuthError, `unauthorized`),
	sig(KindConnectionTimeout, `timed?.?out`),
	sig(KindConnectionRefused, `connection.*refused`),
	sig(KindServiceUnavailable, `service.*unavailable`),
	sig(KindServiceUnavailable, `server.*error`),
}

// statusKinds maps HTTP-like status codes to kinds when text matching fails
var statusKinds = map[int]ErrorKind{
	401: KindAuthError,
	403: KindAuthError,
	402: KindQuotaExceeded,
	408: KindConnectionTimeout,
	429: KindRateLimited,
	500: KindServiceUnavailable,
	502: KindServiceUnavailable,
	503: KindServiceUnavailable,
	504: KindConnectionTimeout,
	529: KindServiceUnavailable,
}

// defaultRetryAfter holds suggested wait times per kind, used when the error
// itself does not carry a delay.
var defaultRetryAfter = map[ErrorKind]time.Duration{
	KindRateLimited:        60 * time.Second,
	KindConnectionTimeout:  30 * time.Second,
	KindConnectionRefused:  30 * time.Second,
	KindServiceUnavailable: 5 * time.Minute,
	KindQuotaExceeded:      time.Hour,
}

var userMessages = map[ErrorKind]string{
	KindQuotaExceeded:      "The %s provider's quota is exhausted. Switching to another provider if one is available.",
	KindRateLimited:        "The %s provider is rate limiting requests. Generation will retry shortly.",
	KindConnectionTimeout:  "The connection to %s timed out. Check network connectivity or retry later.",
	KindConnectionRefused:  "Could not connect to %s. Check network or firewall configuration.",
	KindServiceUnavailable: "The %s provider is temporarily unavailable. It may be under maintenance.",
	KindAuthError:          "Authentication with %s failed. Check the configured API key.",
	KindUnknown:            "An unexpected error occurred while calling %s.",
}

// retryDelayRegex matches "Please retry in Xs" or "retryDelay: Xs" patterns
// that some providers embed in rate-limit errors.
var retryDelayRegex = regexp.MustCompile(`(?i)(?:retry in |retryDelay[:\s]+)(\d+(?:\.\d+)?)\s*s`)

// ExtractRetryDelay parses an API-suggested retry delay from an error message.
// Returns 0 if none is found.
func ExtractRetryDelay(err error) time.Duration {
	if err == nil {
		return 0
	}
	matches := retryDelayRegex.FindStringSubmatch(err.Error())
	if len(matches) < 2 {
		return 0
	}
	seconds, parseErr := strconv.ParseFloat(matches[1], 64)
	if parseErr != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// Classify assigns a failure kind to a raw provider error. It is a pure
// function: the same error text and provider always yield the same
// classification.
func Classify(err error, provider string) Classified {
	if err == nil {
		return Classified{Kind: KindUnknown, UserMessage: message(KindUnknown, provider)}
	}

	text := strings.ToLower(err.Error())

	table, ok := providerSignatures[provider]
	if !ok {
		table = defaultSignatures
	}

	kind := KindUnknown
	for _, s := range table {
		if s.pattern.MatchString(text) {
			kind = s.kind
			break
		}
	}

	// Fall back to a structured status code when the text matched nothing
	if kind == KindUnknown {
		var perr *ProviderError
		if errors.As(err, &perr) && perr.StatusCode > 0 {
			if k, ok := statusKinds[perr.StatusCode]; ok {
				kind = k
			}
		}
	}

	retryAfter := ExtractRetryDelay(err)
	if retryAfter == 0 {
		retryAfter = defaultRetryAfter[kind]
	}

	return Classified{
		Kind:        kind,
		UserMessage: message(kind, provider),
		RetryAfter:  retryAfter,
	}
}

func message(kind ErrorKind, provider string) string {
	tmpl, ok := userMessages[kind]
	if !ok {
		tmpl = userMessages[KindUnknown]
	}
	return strings.Replace(tmpl, "%s", provider, 1)
}
