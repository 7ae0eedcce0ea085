package conduit_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/baxromumarov/conduit"
)

func TestDemandArithmetic(t *testing.T) {
	tests := []struct {
		name string
		got  conduit.Demand
		want conduit.Demand
	}{
		{"finite add", conduit.Max(2).Add(conduit.Max(3)), conduit.Max(5)},
		{"add unlimited", conduit.Max(2).Add(conduit.Unlimited), conduit.Unlimited},
		{"unlimited add", conduit.Unlimited.Add(conduit.Max(1)), conduit.Unlimited},
		{"add overflows to unlimited", conduit.Max(math.MaxInt).Add(conduit.Max(1)), conduit.Unlimited},
		{"finite sub", conduit.Max(5).Sub(conduit.Max(3)), conduit.Max(2)},
		{"sub clamps at zero", conduit.Max(1).Sub(conduit.Max(3)), conduit.None},
		{"unlimited sub stays unlimited", conduit.Unlimited.Sub(conduit.Max(1 << 20)), conduit.Unlimited},
		{"finite sub unlimited", conduit.Max(7).Sub(conduit.Unlimited), conduit.None},
		{"none add", conduit.None.Add(conduit.Max(1)), conduit.Max(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestDemandPredicates(t *testing.T) {
	assert.True(t, conduit.None.IsZero())
	assert.True(t, conduit.Max(0).IsZero())
	assert.False(t, conduit.Unlimited.IsZero())
	assert.True(t, conduit.Unlimited.IsUnlimited())
	assert.False(t, conduit.Max(3).IsUnlimited())

	n, ok := conduit.Max(3).Count()
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = conduit.Unlimited.Count()
	assert.False(t, ok)

	assert.Equal(t, "unlimited", conduit.Unlimited.String())
	assert.Equal(t, "max(4)", conduit.Max(4).String())

	assert.Panics(t, func() { conduit.Max(-1) })
}

func TestDemandCompare(t *testing.T) {
	assert.Equal(t, -1, conduit.Max(1).Compare(conduit.Max(2)))
	assert.Equal(t, 0, conduit.Max(2).Compare(conduit.Max(2)))
	assert.Equal(t, 1, conduit.Max(3).Compare(conduit.Max(2)))
	assert.Equal(t, 1, conduit.Unlimited.Compare(conduit.Max(math.MaxInt)))
	assert.Equal(t, -1, conduit.None.Compare(conduit.Unlimited))
	assert.Equal(t, 0, conduit.Unlimited.Compare(conduit.Unlimited))
}
