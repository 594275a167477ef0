package fiscal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "fisco/pkg/domain-errors"
)

var testIssuedAt = time.Date(2025, time.August, 12, 10, 0, 0, 0, time.UTC)

func validKeyParams() KeyParams {
	return KeyParams{
		UFCode:      35,
		IssuedAt:    testIssuedAt,
		IssuerTaxID: "12345678000195",
		ModelCode:   "55",
		Series:      1,
		Sequence:    42,
	}
}

func TestDeriveAccessKeyDeterministic(t *testing.T) {
	first, err := DeriveAccessKey(validKeyParams())
	require.NoError(t, err)

	second, err := DeriveAccessKey(validKeyParams())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, AccessKeyLength)
	assert.NoError(t, ValidateAccessKey(first))
}

func TestDeriveAccessKeyEncodesTuple(t *testing.T) {
	key, err := DeriveAccessKey(validKeyParams())
	require.NoError(t, err)

	assert.Equal(t, "35", key[0:2])
	assert.Equal(t, "2508", key[2:6])
	assert.Equal(t, "12345678000195", key[6:20])
	assert.Equal(t, "55", key[20:22])
	assert.Equal(t, "001", key[22:25])
	assert.Equal(t, "000000042", key[25:34])
}

func TestDeriveAccessKeyDiffersPerSequence(t *testing.T) {
	a := validKeyParams()
	b := validKeyParams()
	b.Sequence = 43

	keyA, err := DeriveAccessKey(a)
	require.NoError(t, err)
	keyB, err := DeriveAccessKey(b)
	require.NoError(t, err)

	assert.NotEqual(t, keyA, keyB)
}

func TestDeriveAccessKeyRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*KeyParams)
	}{
		{"jurisdiction too low", func(p *KeyParams) { p.UFCode = 7 }},
		{"jurisdiction too high", func(p *KeyParams) { p.UFCode = 60 }},
		{"short tax id", func(p *KeyParams) { p.IssuerTaxID = "123" }},
		{"non numeric tax id", func(p *KeyParams) { p.IssuerTaxID = "1234567800019x" }},
		{"negative series", func(p *KeyParams) { p.Series = -1 }},
		{"zero sequence", func(p *KeyParams) { p.Sequence = 0 }},
		{"sequence overflow", func(p *KeyParams) { p.Sequence = 1_000_000_000 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := validKeyParams()
			tc.mutate(&p)
			_, err := DeriveAccessKey(p)
			assert.True(t, domainerrors.HasCode(err, domainerrors.CodeInvalidInput))
		})
	}
}

func TestValidateAccessKey(t *testing.T) {
	key, err := DeriveAccessKey(validKeyParams())
	require.NoError(t, err)

	assert.NoError(t, ValidateAccessKey(key))
	assert.Error(t, ValidateAccessKey(key[:43]))
	assert.Error(t, ValidateAccessKey(key[:43]+"x"))

	// Flip the check digit.
	flipped := byte('0')
	if key[43] == '0' {
		flipped = '1'
	}
	assert.Error(t, ValidateAccessKey(key[:43]+string(flipped)))
}
