package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBlock(t *testing.T) {
	lines := []string{
		"Model: opus-4",
		"Tokens: 106k/200k (53%)",
		"",
		"  Category          Tokens",
		"  System prompt     3.2k",
		"  Messages          88k",
		"  Tool results      15000",
	}

	u, err := ParseBlock(lines)
	require.NoError(t, err)
	assert.Equal(t, "opus-4", u.Model)
	assert.Equal(t, int64(106000), u.Current)
	assert.Equal(t, int64(200000), u.Max)
	assert.InDelta(t, 0.53, u.Percentage, 0.001)
	assert.Equal(t, int64(3200), u.Categories["system prompt"])
	assert.Equal(t, int64(88000), u.Categories["messages"])
	assert.Equal(t, int64(15000), u.Categories["tool results"])
	assert.False(t, u.CheckedAt.IsZero())
}

func TestParseBlockPlainNumbers(t *testing.T) {
	u, err := ParseBlock([]string{"Tokens: 50000/200000 (25%)"})
	require.NoError(t, err)
	assert.Equal(t, int64(50000), u.Current)
	assert.Equal(t, int64(200000), u.Max)
	assert.InDelta(t, 0.25, u.Percentage, 0.001)
	assert.Empty(t, u.Model)
	assert.Nil(t, u.Categories)
}

func TestParseBlockFractionalPercentage(t *testing.T) {
	u, err := ParseBlock([]string{"140.5k/200k (70.2%)"})
	require.NoError(t, err)
	assert.Equal(t, int64(140500), u.Current)
	assert.InDelta(t, 0.702, u.Percentage, 0.001)
}

func TestParseBlockMissingTokens(t *testing.T) {
	_, err := ParseBlock([]string{"Model: opus-4", "no numbers here"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token counts")
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"106k", 106000},
		{"3.2k", 3200},
		{"200000", 200000},
		{"0", 0},
		{"1.5K", 1500},
	}
	for _, tt := range tests {
		got, err := parseAmount(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseAmount("abc")
	assert.Error(t, err)
}
