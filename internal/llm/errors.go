package llm

import "fmt"

// ProviderError wraps a failure reported by a text-generation backend. It
// preserves the provider name, any HTTP-like status code, and the raw error so
// the classifier can pattern-match both.
type ProviderError struct {
	Provider   string
	StatusCode int // 0 when unknown
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err for the given provider. An empty msg falls back
// to err's text so Error() never prints blank.
func NewProviderError(provider string, statusCode int, msg string, err error) *ProviderError {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    msg,
		Err:        err,
	}
}
