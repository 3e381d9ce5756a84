package generation

import (
	"strings"
	"unicode/utf8"
)

// StopMarkers end a generation as soon as they appear in decoded output.
// They cover end-of-sequence tokens and the next-turn tags of every
// supported template.
var StopMarkers = []string{
	"</s>",
	"<|endoftext|>",
	"<|im_end|>",
	"<|im_start|>",
	"<|assistant|>",
	"</|assistant|>",
	"<|user|>",
	"<|system|>",
	"<|eot_id|>",
	"<|start_header_id|>",
	"\nUser:",
}

const (
	minRepeatUnit  = 4
	maxRepeatUnit  = 256
	repeatCollapse = 3
)

func markers(extra []string) []string {
	out := make([]string, 0, len(StopMarkers)+len(extra))
	out = append(out, StopMarkers...)
	for _, s := range extra {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// firstMarker returns the index of the earliest marker in s, or -1.
func firstMarker(s string, ms []string) int {
	idx := -1
	for _, m := range ms {
		if i := strings.Index(s, m); i >= 0 && (idx < 0 || i < idx) {
			idx = i
		}
	}
	return idx
}

// TrimAtMarker cuts s at the first stop marker.
func TrimAtMarker(s string, extra []string) (string, bool) {
	if i := firstMarker(s, markers(extra)); i >= 0 {
		return s[:i], true
	}
	return s, false
}

// StripSpecial removes every occurrence of the given control tokens.
func StripSpecial(s string, special []string) string {
	for _, t := range special {
		if t != "" {
			s = strings.ReplaceAll(s, t, "")
		}
	}
	return s
}

// CollapseRepeats truncates a suffix unit that repeats verbatim three or
// more times in a row down to a single occurrence.
func CollapseRepeats(s string) string {
	n := len(s)
	for unit := minRepeatUnit; unit <= maxRepeatUnit && unit*repeatCollapse <= n; unit++ {
		if !utf8.RuneStart(s[n-unit]) {
			continue
		}
		tail := s[n-unit:]
		if strings.TrimSpace(tail) == "" {
			continue
		}
		count := 1
		for end := n - unit; end-unit >= 0 && s[end-unit:end] == tail; end -= unit {
			count++
		}
		if count >= repeatCollapse {
			return s[:n-(count-1)*unit]
		}
	}
	return s
}

// PostProcess cleans single-shot output: cut at the first boundary marker,
// drop control tokens, collapse a degenerate repeated suffix.
func PostProcess(text string, special, stop []string) string {
	text, _ = TrimAtMarker(text, stop)
	text = StripSpecial(text, special)
	text = CollapseRepeats(strings.TrimRightFunc(text, isSpace))
	return strings.TrimSpace(text)
}

func isSpace(r rune) bool { return r == ' ' || r == '\n' || r == '\t' || r == '\r' }

// safeEmitLen returns how much of buf can be emitted without splitting a
// marker that may still complete with the next chunk.
func safeEmitLen(buf string, ms []string) int {
	hold := 0
	for _, m := range ms {
		for k := len(m) - 1; k > hold; k-- {
			if k <= len(buf) && strings.HasSuffix(buf, m[:k]) {
				hold = k
				break
			}
		}
	}
	n := len(buf) - hold
	for n > 0 && n < len(buf) && !utf8.RuneStart(buf[n]) {
		n--
	}
	return n
}
