package terminal

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"
)

// SpinnerGlyphs are the frames Claude Code animates while it is working:
// braille dots plus the asterisk family. ✻ and · are excluded because they
// also appear in the idle banner and in "Worked for" summaries.
const SpinnerGlyphs = "⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏✳✽✶✢"

var spinnerRunes = func() map[rune]bool {
	m := make(map[rune]bool)
	for _, r := range SpinnerGlyphs + "✻·" {
		m[r] = true
	}
	return m
}()

var (
	ansiPattern = regexp.MustCompile(
		"\x1b\\[[0-9;?<=>!]*[ -/]*[@-~]" + // CSI
			"|\x1b\\][^\x07\x1b]*(?:\x07|\x1b\\\\)" + // OSC, BEL or ST terminated
			"|\x1b[PX^_][^\x1b]*\x1b\\\\" + // DCS/SOS/PM/APC
			"|\x1b[@-Z\\\\-_]" + // two-byte escapes
			"|\u009b[0-9;?]*[ -/]*[@-~]") // C1 CSI

	// "(45s · 1234 tokens · esc to interrupt)" and "(35s · ↑ 673 tokens)"
	statusCounterPattern = regexp.MustCompile(`\([^)]*\d+s\s*·[^)]*(?:tokens|↑|↓)[^)]*\)`)
	clockPattern         = regexp.MustCompile(`\b\d{1,2}:\d{2}(?::\d{2})?\b`)
	percentPattern       = regexp.MustCompile(`\b\d{1,3}%`)
	blankRunPattern      = regexp.MustCompile(`\n{3,}`)
)

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	if !strings.ContainsRune(s, '\x1b') && !strings.ContainsRune(s, '\u009b') {
		return s
	}
	return ansiPattern.ReplaceAllString(s, "")
}

// Normalize reduces pane text to what matters for change detection:
// escapes, control characters, spinner frames, ticking counters and
// clocks are removed, and trailing whitespace and blank runs are collapsed.
func Normalize(content string) string {
	s := StripANSI(content)
	s = statusCounterPattern.ReplaceAllString(s, "(status)")
	s = strings.Map(func(r rune) rune {
		switch {
		case spinnerRunes[r]:
			return -1
		case r == '\t' || r == '\n':
			return r
		case r < 32 || r == 127:
			return -1
		}
		return r
	}, s)
	s = clockPattern.ReplaceAllString(s, "HH:MM")
	s = percentPattern.ReplaceAllString(s, "N%")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\u00a0")
	}
	s = strings.Join(lines, "\n")
	s = blankRunPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimRight(s, "\n")
}

// Hash is the hex SHA-256 of Normalize(content).
func Hash(content string) string {
	sum := sha256.Sum256([]byte(Normalize(content)))
	return hex.EncodeToString(sum[:])
}

// Tail returns the last n characters (runes) of s.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := len(s)
	for count := 0; count < n && i > 0; count++ {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
	}
	return s[i:]
}

// LastLines returns the last n non-blank lines of s, joined by newlines.
func LastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	out := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		out = append(out, lines[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return strings.Join(out, "\n")
}
