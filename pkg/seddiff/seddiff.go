// Package seddiff computes sed-style corrections between two revisions of a
// message, the way IRC users write them by hand ("s/teh/the/").
package seddiff

import "strings"

const separators = " .,:;\t\n()[]{}"

func isSeparator(r rune) bool {
	return strings.ContainsRune(separators, r)
}

// Seddiff returns an s/old/new/ expression describing the change from a to b,
// or the empty string if they are equal. The replaced region is widened to
// word boundaries so that the result reads naturally. When the region on the
// left side is empty, "$" is used to mean "append at the end".
func Seddiff(a, b string) string {
	if a == b {
		return ""
	}
	ra := []rune(a)
	rb := []rune(b)

	prefix := 0
	for prefix < len(ra) && prefix < len(rb) && ra[prefix] == rb[prefix] {
		prefix++
	}
	postfix := 0
	for postfix < len(ra) && postfix < len(rb) && ra[len(ra)-1-postfix] == rb[len(rb)-1-postfix] {
		postfix++
	}

	longest := rb
	if len(ra) > len(rb) {
		longest = ra
	}

	// Move to word boundaries.
	for prefix > 0 && !isSeparator(longest[prefix]) {
		prefix--
	}
	if isSeparator(longest[prefix]) {
		prefix++
	}
	for postfix > 0 && !isSeparator(longest[len(longest)-postfix]) {
		postfix--
	}

	old := cut(ra, prefix, postfix)
	if old == "" {
		old = "$"
	}
	return "s/" + old + "/" + cut(rb, prefix, postfix) + "/"
}

// cut returns r without the first prefix and the last postfix runes.
// Boundary widening may push prefix one past the end of the shorter
// string, so both bounds are clamped.
func cut(r []rune, prefix, postfix int) string {
	if prefix > len(r) {
		prefix = len(r)
	}
	end := len(r) - postfix
	if end < prefix {
		end = prefix
	}
	return string(r[prefix:end])
}
