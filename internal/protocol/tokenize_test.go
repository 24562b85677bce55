package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenizeSimple(t *testing.T) {
	tokens, err := tokenize("launch --capability gpu node-1")
	require.NoError(t, err)
	require.Equal(t, []string{"launch", "--capability", "gpu", "node-1"}, tokens)
}

func TestTokenizeQuotedString(t *testing.T) {
	tokens, err := tokenize(`submit --payload "build the release notes"`)
	require.NoError(t, err)
	require.Equal(t, []string{"submit", "--payload", "build the release notes"}, tokens)
}

func TestTokenizeBackslashEscape(t *testing.T) {
	tokens, err := tokenize(`submit --payload foo\ bar`)
	require.NoError(t, err)
	require.Equal(t, []string{"submit", "--payload", "foo bar"}, tokens)
}

func TestTokenizeUnterminatedQuoteErrors(t *testing.T) {
	_, err := tokenize(`submit --payload "unterminated`)
	require.Error(t, err)
}

func TestTokenizeTrailingBackslashErrors(t *testing.T) {
	_, err := tokenize(`submit foo\`)
	require.Error(t, err)
}

func TestTokenizeEmptyLine(t *testing.T) {
	tokens, err := tokenize("")
	require.NoError(t, err)
	require.Empty(t, tokens)
}
