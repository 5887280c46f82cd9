package faults

// Category represents the broad category of a fault for classification and routing.
type Category string

const (
	// CategoryTransient covers timeouts and connection-level failures. Retried
	// per the confirmation policies; never alone causes a session transition.
	CategoryTransient Category = "transient_network"

	// CategoryAuth covers unauthorized/not-logged-in responses. Only fatal to
	// the session after confirmation retries agree.
	CategoryAuth Category = "auth"

	// CategoryServer covers 5xx-class remote failures. Treated as transient
	// and accumulated into the soft-failure counter.
	CategoryServer Category = "server"

	// CategoryValidation covers malformed local input, e.g. an identity
	// credential with characters illegal for transport. Never retried.
	CategoryValidation Category = "validation"

	// CategoryCleanup covers teardown-phase failures during logout.
	CategoryCleanup Category = "cleanup"
)

// Severity indicates the impact level of a fault.
type Severity string

const (
	SeverityFatal   Severity = "fatal"   // stops the current operation chain
	SeverityError   Severity = "error"   // fails the current operation
	SeverityWarning Severity = "warning" // recorded, execution continues
)

// RetryStrategy indicates how a fault should be handled in retry scenarios.
type RetryStrategy string

const (
	RetryNever   RetryStrategy = "never"   // permanent failure, don't retry
	RetryConfirm RetryStrategy = "confirm" // re-probe before acting on it
	RetryBackoff RetryStrategy = "backoff" // retry with backoff
)

// defaultStrategy maps each category to its normal retry treatment.
func defaultStrategy(c Category) RetryStrategy {
	switch c {
	case CategoryTransient, CategoryServer:
		return RetryBackoff
	case CategoryAuth:
		return RetryConfirm
	default:
		return RetryNever
	}
}
