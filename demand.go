package conduit

import (
	"math"
	"strconv"

	"fortio.org/safecast"
)

// Demand is the number of values a subscriber is prepared to receive from a
// [Publisher]. It is either a non-negative count or [Unlimited].
//
// Arithmetic saturates: a finite result never goes below zero, and
// Unlimited minus any finite demand stays Unlimited.
type Demand struct {
	// n < 0 encodes Unlimited.
	n int64
}

var (
	// Unlimited asks the publisher for every value it can produce.
	Unlimited = Demand{n: -1}

	// None is a demand of zero.
	None = Demand{}
)

// Max returns a finite demand of n values. It panics if n is negative.
func Max(n int) Demand {
	if n < 0 {
		panic("conduit: Max requires n >= 0")
	}
	v, err := safecast.Conv[int64](n)
	if err != nil {
		return Unlimited
	}
	return Demand{n: v}
}

// IsUnlimited reports whether d is [Unlimited].
func (d Demand) IsUnlimited() bool { return d.n < 0 }

// IsZero reports whether d asks for nothing.
func (d Demand) IsZero() bool { return d.n == 0 }

// Count returns the finite count of d. The boolean is false for [Unlimited].
func (d Demand) Count() (int, bool) {
	if d.IsUnlimited() {
		return 0, false
	}
	n, err := safecast.Conv[int](d.n)
	if err != nil {
		return math.MaxInt, true
	}
	return n, true
}

// Add returns d + o. Finite overflow saturates to [Unlimited].
func (d Demand) Add(o Demand) Demand {
	if d.IsUnlimited() || o.IsUnlimited() {
		return Unlimited
	}
	if d.n > math.MaxInt64-o.n {
		return Unlimited
	}
	return Demand{n: d.n + o.n}
}

// Sub returns d - o, clamped at zero. Unlimited minus anything stays
// Unlimited; a finite demand minus Unlimited is [None].
func (d Demand) Sub(o Demand) Demand {
	switch {
	case d.IsUnlimited():
		return Unlimited
	case o.IsUnlimited():
		return None
	case o.n >= d.n:
		return None
	default:
		return Demand{n: d.n - o.n}
	}
}

// Compare returns -1, 0 or +1 depending on whether d is less than, equal to
// or greater than o. Unlimited compares greater than every finite demand.
func (d Demand) Compare(o Demand) int {
	switch {
	case d.IsUnlimited() && o.IsUnlimited():
		return 0
	case d.IsUnlimited():
		return 1
	case o.IsUnlimited():
		return -1
	case d.n < o.n:
		return -1
	case d.n > o.n:
		return 1
	default:
		return 0
	}
}

func (d Demand) String() string {
	if d.IsUnlimited() {
		return "unlimited"
	}
	return "max(" + strconv.FormatInt(d.n, 10) + ")"
}
