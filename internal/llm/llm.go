// Package llm defines boundary errors shared by LLM provider
// implementations and their callers.
package llm

import "errors"

// ErrThrottled marks a rate-limited or overloaded provider response.
// Callers treat it as transient and may retry with backoff; any other
// provider error is terminal for the attempt.
var ErrThrottled = errors.New("llm provider throttled")
