package decimal_test

import (
	"testing"

	dec "github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/peppol-exchange/internal/decimal"
)

func TestFromString(t *testing.T) {
	d, err := decimal.FromString("123456.78")
	require.NoError(t, err)
	assert.True(t, d.Equal(dec.RequireFromString("123456.78")))

	_, err = decimal.FromString("not-a-number")
	require.Error(t, err)
}

func TestMustFromString(t *testing.T) {
	d := decimal.MustFromString("999.99")
	assert.True(t, d.Equal(dec.RequireFromString("999.99")))

	assert.Panics(t, func() {
		decimal.MustFromString("invalid")
	})
}

func TestParseLenient(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  121.00 ", "121", false},
		{"", "0", false},
		{"\n", "0", false},
		{"12,5", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := decimal.ParseLenient(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(dec.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestDiv(t *testing.T) {
	result := decimal.Div(dec.NewFromInt(100), dec.NewFromInt(3))
	assert.True(t, result.Equal(dec.RequireFromString("33.33")))

	// Division by zero returns zero
	result = decimal.Div(dec.NewFromInt(100), dec.Zero)
	assert.True(t, result.IsZero())
}

func TestPercent(t *testing.T) {
	pct, ok := decimal.Percent(dec.NewFromInt(21), dec.NewFromInt(100))
	require.True(t, ok)
	assert.Equal(t, "21.00", decimal.FormatAmount(pct))

	pct, ok = decimal.Percent(dec.RequireFromString("1.50"), dec.RequireFromString("7.50"))
	require.True(t, ok)
	assert.Equal(t, "20.00", decimal.FormatAmount(pct))

	_, ok = decimal.Percent(dec.NewFromInt(5), dec.Zero)
	assert.False(t, ok)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "100.00", decimal.FormatAmount(dec.NewFromInt(100)))
	assert.Equal(t, "0.50", decimal.FormatAmount(dec.RequireFromString("0.5")))
	assert.Equal(t, "10.13", decimal.FormatAmount(dec.RequireFromString("10.125")))
}

func TestSum(t *testing.T) {
	values := []dec.Decimal{
		dec.RequireFromString("10.10"),
		dec.RequireFromString("20.20"),
		dec.RequireFromString("30.30"),
	}
	assert.True(t, decimal.Sum(values).Equal(dec.RequireFromString("60.60")))
	assert.True(t, decimal.Sum(nil).IsZero())
}
