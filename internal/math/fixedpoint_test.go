package math_test

import (
	"testing"

	fpmath "BattleLedger/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyRateFloors(t *testing.T) {
	assert.Equal(t, int64(375), fpmath.ApplyRate(150000, fpmath.MustRate("0.0025"), fpmath.RoundDown))
	assert.Equal(t, int64(2625), fpmath.ApplyRate(150000, fpmath.MustRate("0.0175"), fpmath.RoundDown))
	assert.Equal(t, int64(0), fpmath.ApplyRate(399, fpmath.MustRate("0.0025"), fpmath.RoundDown))
	assert.Equal(t, int64(1), fpmath.ApplyRate(399, fpmath.MustRate("0.0025"), fpmath.RoundUp))
}

func TestApplyRateHalfEven(t *testing.T) {
	// 0.5 rounds to the even neighbour.
	assert.Equal(t, int64(2), fpmath.ApplyRate(5, fpmath.MustRate("0.5"), fpmath.RoundHalfEven))
	assert.Equal(t, int64(4), fpmath.ApplyRate(7, fpmath.MustRate("0.5"), fpmath.RoundHalfEven))
}

func TestSplitDropsDust(t *testing.T) {
	assert.Equal(t, int64(75800), fpmath.Split(227400, 3, fpmath.RoundDown))
	assert.Equal(t, int64(33), fpmath.Split(100, 3, fpmath.RoundDown))
	assert.Zero(t, fpmath.Split(100, 0, fpmath.RoundDown))
}

func TestMultiplyChecked(t *testing.T) {
	v, err := fpmath.MultiplyChecked(5, 30000)
	require.NoError(t, err)
	assert.Equal(t, int64(150000), v)

	_, err = fpmath.MultiplyChecked(1<<62, 4)
	assert.Error(t, err)
}

func TestParseRateBounds(t *testing.T) {
	_, err := fpmath.ParseRate("1.5")
	assert.Error(t, err)
	_, err = fpmath.ParseRate("-0.1")
	assert.Error(t, err)
	_, err = fpmath.ParseRate("abc")
	assert.Error(t, err)
	r, err := fpmath.ParseRate("0.55")
	require.NoError(t, err)
	assert.Equal(t, "0.55", r.String())
}
