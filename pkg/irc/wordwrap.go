package irc

import (
	"strings"
)

// WordWrap wraps the given words up to the maximum specified length.
// If a single word is longer than the max length, it is truncated.
func WordWrap(allWords []string, maxLen int) []string {
	var (
		lines  []string
		curLen int
		words  []string
	)
	for _, word := range allWords {
		// curLen + len(words) + len(word) is the length of the current
		// line including spaces
		if curLen+len(words)+len(word) > maxLen {
			// we have our line. That does not include the current word
			lines = append(lines, strings.Join(words, " "))
			// reset the current line, add the current word
			words = []string{word}
			curLen = len(word)
		} else {
			words = append(words, word)
			curLen += len(word)
		}
	}
	if len(words) > 0 {
		// there's one last line to add
		lines = append(lines, strings.Join(words, " "))
	}
	for idx, line := range lines {
		if len(line) > maxLen {
			// truncate
			lines[idx] = line[:maxLen]
		}
	}
	return lines
}

// numericsSafeToChunk are the numeric replies that may be split over
// multiple lines. As per RFC 2812 the maximum message size is 512 bytes
// including the terminator; longer WHO and NAMES replies break some
// clients.
var numericsSafeToChunk = map[int]bool{
	RplWhoReply: true,
	RplNamReply: true,
}

// SplitReply splits preamble+msg into 512-byte terminated chunks, each
// repeating the preamble. Messages that already fit come back as a single
// chunk.
func SplitReply(preamble, msg string, chunkSize int) []string {
	if chunkSize < 512 || chunkSize >= len(preamble)+len(msg)+2 {
		return []string{preamble + msg + "\r\n"}
	}
	// Splitting ignores multiple contiguous white-spaces; squeezing them
	// may render the reply shorter than the chunk size, which is fine.
	maxLen := chunkSize - len(preamble) - 2
	lines := WordWrap(strings.Fields(msg), maxLen)
	reply := make([]string, len(lines))
	for idx, line := range lines {
		reply[idx] = preamble + line + "\r\n"
	}
	return reply
}
