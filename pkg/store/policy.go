package store

import (
	"fmt"
	"math"
)

// ValuePolicy decides which sample values InsertSample accepts.
type ValuePolicy string

const (
	// ValuePolicyAllow accepts every float64, including NaN and ±Inf.
	ValuePolicyAllow ValuePolicy = "allow"
	// ValuePolicyRejectNaN rejects NaN and accepts infinities.
	ValuePolicyRejectNaN ValuePolicy = "reject_nan"
	// ValuePolicyRejectNonFinite rejects NaN, +Inf and -Inf.
	ValuePolicyRejectNonFinite ValuePolicy = "reject_non_finite"
)

// ParseValuePolicy converts a configuration string into a ValuePolicy.
// The empty string selects ValuePolicyAllow.
func ParseValuePolicy(s string) (ValuePolicy, error) {
	switch ValuePolicy(s) {
	case "", ValuePolicyAllow:
		return ValuePolicyAllow, nil
	case ValuePolicyRejectNaN:
		return ValuePolicyRejectNaN, nil
	case ValuePolicyRejectNonFinite:
		return ValuePolicyRejectNonFinite, nil
	default:
		return "", fmt.Errorf("invalid value policy: %s (must be allow, reject_nan or reject_non_finite)", s)
	}
}

// check returns an ErrInvalidArgument-wrapped error if v is not accepted.
func (p ValuePolicy) check(v float64) error {
	switch p {
	case ValuePolicyRejectNaN:
		if math.IsNaN(v) {
			return fmt.Errorf("%w: NaN samples are rejected", ErrInvalidArgument)
		}
	case ValuePolicyRejectNonFinite:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite sample %v is rejected", ErrInvalidArgument, v)
		}
	}
	return nil
}
