package errortypes

import (
	"fmt"
	"time"
)

// Timeout should be used to flag that a demand partner failed to return a response
// before the auction deadline expired.
//
// Timeouts normalize to "no bid" for the partner and are never raised to the caller.
type Timeout struct {
	Message string
}

func (err *Timeout) Error() string {
	return err.Message
}

func (err *Timeout) Code() int {
	return TimeoutErrorCode
}

func (err *Timeout) Severity() Severity {
	return SeverityWarning
}

// BadInput should be used when returning errors which are caused by bad input.
// It should _not_ be used if the error is a server-side issue (e.g. failed to send
// the partner request).
type BadInput struct {
	Message string
}

func (err *BadInput) Error() string {
	return err.Message
}

func (err *BadInput) Code() int {
	return BadInputErrorCode
}

func (err *BadInput) Severity() Severity {
	return SeverityFatal
}

// BadServerResponse should be used when a demand partner returns a response which
// cannot be parsed or violates its own protocol.
type BadServerResponse struct {
	Message string
}

func (err *BadServerResponse) Error() string {
	return err.Message
}

func (err *BadServerResponse) Code() int {
	return BadServerResponseErrorCode
}

func (err *BadServerResponse) Severity() Severity {
	return SeverityWarning
}

// ConfigStoreUnavailable flags that the external demand-source store could not be
// reached. The connector manager degrades to its previous snapshot (or test-only
// mode); this error is never fatal to the process.
type ConfigStoreUnavailable struct {
	Message string
}

func (err *ConfigStoreUnavailable) Error() string {
	return err.Message
}

func (err *ConfigStoreUnavailable) Code() int {
	return ConfigStoreUnavailableErrorCode
}

func (err *ConfigStoreUnavailable) Severity() Severity {
	return SeverityWarning
}

// DecryptionFailure flags that an at-rest partner secret could not be decrypted.
type DecryptionFailure struct {
	Message string
}

func (err *DecryptionFailure) Error() string {
	return err.Message
}

func (err *DecryptionFailure) Code() int {
	return DecryptionFailureErrorCode
}

func (err *DecryptionFailure) Severity() Severity {
	return SeverityFatal
}

// RateLimited is surfaced to the caller when the shared request counter rejects a
// client for the current window. RetryAfter tells the client when the window resets.
type RateLimited struct {
	RetryAfter time.Duration
}

func (err *RateLimited) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %s", err.RetryAfter)
}

func (err *RateLimited) Code() int {
	return RateLimitedErrorCode
}

func (err *RateLimited) Severity() Severity {
	return SeverityFatal
}
