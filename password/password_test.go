package password

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenylistedSubstringInvalid(t *testing.T) {
	res := Validate("password123")
	assert.False(t, res.IsValid)
	assert.NotEmpty(t, res.Errors)

	// Length does not rescue a denylisted substring.
	res = Validate("Xy7#MyPassWordIsLong!")
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Errors, `must not contain the common sequence "password"`)
}

func TestSixteenCharacterStrongPassword(t *testing.T) {
	res := Validate("Tr7#kQm9@vXb2wPz")
	require.True(t, res.IsValid, "%v", res.Errors)
	assert.Empty(t, res.Errors)
	assert.Equal(t, VeryStrong, res.Strength)
	assert.GreaterOrEqual(t, res.Score, 8)
}

func TestRules(t *testing.T) {
	tests := []struct {
		name    string
		pw      string
		wantErr string
	}{
		{"TooShort", "Ab1#xyQ", "must be at least 12 characters"},
		{"NoUpper", "tr7#kqm9@vxb2w", "must contain an uppercase letter"},
		{"NoLower", "TR7#KQM9@VXB2W", "must contain a lowercase letter"},
		{"NoDigit", "Trx#kQmz@vXbPw", "must contain a digit"},
		{"NoSpecial", "Tr7xkQm9yvXb2w", "must contain at least 1 special character(s)"},
		{"RepeatRun", "Tr7#kQQQ9@vXb2w", "must not repeat a character more than twice in a row"},
		{"NumericSequence", "Tr7#kQ789@vXbw", "must not contain sequential characters such as abc or 123"},
		{"AlphaSequenceMixedCase", "Tr7#kQ9@vXb2wXyZ", "must not contain sequential characters such as abc or 123"},
		{"DenylistCaseInsensitive", "Tr7#QWERTY9@vXb", `must not contain the common sequence "qwerty"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(tt.pw)
			assert.False(t, res.IsValid)
			assert.Contains(t, res.Errors, tt.wantErr)
		})
	}
}

func TestTwoRepeatsAllowed(t *testing.T) {
	res := Validate("Tr7#kQQm9@vXb2w")
	assert.True(t, res.IsValid, "%v", res.Errors)
}

func TestInvalidPasswordStillScored(t *testing.T) {
	res := Validate("Tr7#kQm9@vXb2wPz-admin")
	assert.False(t, res.IsValid)
	assert.Greater(t, res.Score, 0)
	assert.NotEqual(t, Strength(""), res.Strength)
}

func TestScoreClampedAtZero(t *testing.T) {
	res := Validate("adminadmin")
	assert.Equal(t, 0, res.Score)
	assert.Equal(t, Weak, res.Strength)
}

func TestNormalisedBeforeChecks(t *testing.T) {
	// Fullwidth letters fold to ASCII under NFKC, exposing the denylisted word.
	res := Validate("Tr7#ｐａｓｓｗｏｒｄ@vXb2")
	assert.Contains(t, res.Errors, `must not contain the common sequence "password"`)
}

func TestBands(t *testing.T) {
	assert.Equal(t, Weak, band(3))
	assert.Equal(t, Medium, band(4))
	assert.Equal(t, Medium, band(5))
	assert.Equal(t, Strong, band(6))
	assert.Equal(t, Strong, band(7))
	assert.Equal(t, VeryStrong, band(8))
}
