package enums

// DLQErrorReason classifies why an event or message was dead-lettered.
type DLQErrorReason string

const (
	DLQReasonMaxAttempts  DLQErrorReason = "max_attempts"
	DLQReasonNonRetryable DLQErrorReason = "non_retryable"
)

// IsValid reports whether the value matches the canonical dlq_error_reason enum.
func (r DLQErrorReason) IsValid() bool {
	return r == DLQReasonMaxAttempts || r == DLQReasonNonRetryable
}
