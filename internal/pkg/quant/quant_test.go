package quant

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRoundPrice_FloorsToTick(t *testing.T) {
	cases := []struct {
		in, tick, want string
	}{
		{"99.9", "0.01", "99.9"},
		{"99.999", "0.01", "99.99"},
		{"101.005", "0.1", "101"},
		{"0.123456", "0.0001", "0.1234"},
		{"27123.7", "0.5", "27123.5"},
		{"42", "0", "42"},
	}
	for _, tc := range cases {
		t.Run(tc.in+"/"+tc.tick, func(t *testing.T) {
			got := RoundPrice(d(tc.in), d(tc.tick))
			assert.True(t, got.Equal(d(tc.want)), "got %s", got)
		})
	}
}

func TestRoundQty_NeverExceedsInputAndIsMultiple(t *testing.T) {
	steps := []string{"0.001", "0.01", "0.1", "1", "5", "0.25"}
	inputs := []string{"0.0009", "0.5", "1.2345", "5", "7.77", "123.456789", "1000.999"}
	for _, s := range steps {
		for _, in := range inputs {
			got := RoundQty(d(in), d(s), decimal.Zero)
			assert.True(t, got.LessThanOrEqual(d(in)), "%s step %s -> %s", in, s, got)
			assert.True(t, got.Mod(d(s)).IsZero(), "%s step %s -> %s", in, s, got)
		}
	}
}

func TestRoundQty_BelowMinQtyIsZero(t *testing.T) {
	assert.True(t, RoundQty(d("0.0049"), d("0.001"), d("0.005")).IsZero())
	assert.True(t, RoundQty(d("0.0051"), d("0.001"), d("0.005")).Equal(d("0.005")))
	assert.True(t, RoundQty(d("0.0004"), d("0.001"), decimal.Zero).IsZero())
}

func TestFormat_StripsTrailingZeros(t *testing.T) {
	assert.Equal(t, "5", Format(d("5.000")))
	assert.Equal(t, "99.9", Format(d("99.90")))
	assert.Equal(t, "0.001", Format(d("0.0010")))
}

func TestClampCallbackRate(t *testing.T) {
	assert.Equal(t, "0.1", FormatCallbackRate(d("0.01")))
	assert.Equal(t, "0.5", FormatCallbackRate(d("0.46")))
	assert.Equal(t, "1.2", FormatCallbackRate(d("1.2")))
	assert.Equal(t, "5.0", FormatCallbackRate(d("9")))
}

func TestScenarioLimitPrice(t *testing.T) {
	limit := RoundPrice(OffsetPct(d("100"), d("-0.1")), d("0.01"))
	assert.Equal(t, "99.9", Format(limit))
	assert.True(t, limit.Equal(d("99.90")))
}

func TestPercentDeviation(t *testing.T) {
	assert.True(t, PercentDeviation(d("100.5"), d("100")).Equal(d("0.5")))
	assert.True(t, PercentDeviation(d("99"), d("100")).Equal(d("1")))
	assert.True(t, PercentDeviation(d("1"), decimal.Zero).IsZero())
}
