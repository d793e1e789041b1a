package cell

import "strings"

// SplitLines splits source into the line fragments the on-disk format
// stores: every line keeps its trailing newline except the final one, and an
// empty trailing fragment is dropped. JoinLines(SplitLines(s)) == s for all
// inputs, which is what makes save/load round-trips lossless.
func SplitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// JoinLines reassembles line fragments into a single source string.
func JoinLines(lines []string) string {
	return strings.Join(lines, "")
}
