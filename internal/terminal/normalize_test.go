package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripANSI(t *testing.T) {
	tests := map[string]string{
		"plain":                                 "plain",
		"\x1b[1;32mgreen\x1b[0m":                "green",
		"\x1b]0;title\x07after":                 "after",
		"\x1b]8;;http://x\x1b\\link\x1b]8;;\x1b\\": "link",
		"a\x1b[?25lb":                           "ab",
	}
	for in, want := range tests {
		assert.Equal(t, want, StripANSI(in), "%q", in)
	}
}

func TestHashIgnoresCosmeticChanges(t *testing.T) {
	a := "⠋ Working… (12s · 340 tokens · esc to interrupt)\nbuild 45%\n\n\n\n> "
	b := "⠙ Working… (13s · 351 tokens · esc to interrupt)   \nbuild 46%\n\n> "
	assert.Equal(t, Hash(a), Hash(b))

	c := "⠙ Working… (13s · 351 tokens · esc to interrupt)\nbuild 46%\nDo you want to proceed?"
	assert.NotEqual(t, Hash(a), Hash(c))
}

func TestNormalizeDropsControlCharacters(t *testing.T) {
	assert.Equal(t, "ab\tc", Normalize("a\x07b\tc\r"))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "", Tail("abc", 0))
	assert.Equal(t, "abc", Tail("abc", 10))
	assert.Equal(t, "bc", Tail("abc", 2))
	assert.Equal(t, "✓é", Tail("ab✓é", 2))
}

func TestLastLines(t *testing.T) {
	assert.Equal(t, "two\nthree", LastLines("one\ntwo\n\n  \nthree\n", 2))
	assert.Equal(t, "", LastLines("", 3))
}
