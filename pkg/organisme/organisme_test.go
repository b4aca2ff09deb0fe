package organisme

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		regime    string
		shortCode string
		fullCode  string
	}{
		{name: "short code gets default regime", code: "511", regime: "01", shortCode: "511", fullCode: "01511"},
		{name: "general regime full code", code: "01511", regime: "01", shortCode: "511", fullCode: "01511"},
		{name: "MGEN", code: "91123", regime: "91", shortCode: "123", fullCode: "91123"},
		{name: "MSA", code: "02561", regime: "02", shortCode: "561", fullCode: "02561"},
		{name: "four digits", code: "0175", regime: "01", shortCode: "75", fullCode: "0175"},
		{name: "long code", code: "0611111", regime: "06", shortCode: "11111", fullCode: "0611111"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := Normalize(tt.code)
			assert.Equal(t, tt.regime, id.Regime())
			assert.Equal(t, tt.shortCode, id.ShortCode())
			assert.Equal(t, tt.fullCode, id.FullCode())
			assert.Equal(t, id.Regime()+id.ShortCode(), id.FullCode())
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	for _, code := range []string{"511", "01511", "91123", "751"} {
		once := Normalize(code)
		twice := Normalize(once.FullCode())
		assert.Equal(t, once, twice, code)
	}
}

func TestParse(t *testing.T) {
	id, err := Parse("751")
	require.NoError(t, err)
	assert.Equal(t, "01751", id.FullCode())

	for _, bad := range []string{"", "12", "abc", "01a11", " 511", "511 "} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrInvalidIdentifier, "code %q", bad)
	}
}

func TestIdentifier_LookupKey(t *testing.T) {
	assert.Equal(t, "01511@511.01.rss.fr", Normalize("511").LookupKey("rss.fr"))
	assert.Equal(t, "91123@123.91.rss.fr", Normalize("91123").LookupKey("rss.fr"))
}

func TestIdentifier_FileName(t *testing.T) {
	assert.Equal(t, "01511.pem", Normalize("511").FileName())
	assert.Equal(t, "01511", Normalize("511").String())
}

func TestIdentifier_IsZero(t *testing.T) {
	assert.True(t, Identifier{}.IsZero())
	assert.False(t, Normalize("511").IsZero())
}

func TestRegimeName(t *testing.T) {
	assert.Equal(t, "MGEN", RegimeName("91"))
	assert.Empty(t, RegimeName("99"))
}
