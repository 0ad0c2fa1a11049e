// Package msgparsing tokenizes Slack wire-format text into plain runs,
// preformatted blocks and special items (mentions, channel references,
// group yells and links).
package msgparsing

import (
	"fmt"
	"strings"

	"github.com/kyokomi/emoji/v2"
)

// SlackSubstitutions are the HTML entities Slack escapes in message text,
// in decode order.
var SlackSubstitutions = [][2]string{
	{"&amp;", "&"},
	{"&gt;", ">"},
	{"&lt;", "<"},
}

func decodeEntities(s string) string {
	for _, sub := range SlackSubstitutions {
		s = strings.ReplaceAll(s, sub[0], sub[1])
	}
	return s
}

// Itemkind is the kind of a SpecialItem.
type Itemkind int

// Special item kinds, discriminated by the character after the opening
// bracket.
const (
	// Yell is a group mention such as <!here> or <!channel>.
	Yell Itemkind = iota
	// Mention is a user mention, <@USERID>.
	Mention
	// Channel is a channel reference, <#CHANID|name>.
	Channel
	// Other is everything else, in practice a link.
	Other
)

// Token is one item of a tokenized message: a Text, a PreBlock or a
// SpecialItem.
type Token interface {
	token()
}

// Text is a plain run of message text, entities decoded and emoji codes
// expanded.
type Text string

func (Text) token() {}

// PreBlock is a block of preformatted text. The triple backtick fences are
// not part of Txt.
type PreBlock struct {
	Txt string
}

func (PreBlock) token() {}

// Lines counts the newlines in the block.
func (p PreBlock) Lines() int {
	return strings.Count(p.Txt, "\n")
}

// SpecialItem is an angle-bracketed Slack item. Txt includes the brackets.
type SpecialItem struct {
	Txt string
}

func (SpecialItem) token() {}

// Kind discriminates the item by its second character.
func (s SpecialItem) Kind() Itemkind {
	switch s.Txt[1] {
	case '!':
		return Yell
	case '@':
		return Mention
	case '#':
		return Channel
	}
	return Other
}

// Val returns the value of the item: the user or channel ID, the yell
// target, or the URL.
func (s SpecialItem) Val() string {
	sep := strings.Index(s.Txt, "|")
	if sep == -1 {
		sep = len(s.Txt) - 1
	}
	if s.Kind() != Other {
		return s.Txt[2:sep]
	}
	return s.Txt[1:sep]
}

// Human returns the human-readable label of the item, or the empty string
// and false if there is none.
func (s SpecialItem) Human() (string, bool) {
	sep := strings.Index(s.Txt, "|")
	if sep == -1 {
		return "", false
	}
	return s.Txt[sep+1 : len(s.Txt)-1], true
}

// preblock is an alternating segment of the message, either normal text or
// the inside of a triple backtick fence.
type preblock struct {
	txt string
	pre bool
}

// preblocks splits msg on ``` fences. The fences themselves are consumed.
// An unmatched trailing fence opens a preformatted block that runs to the
// end of the input.
func preblocks(msg string) []preblock {
	var blocks []preblock
	pre := false
	for {
		p := strings.Index(msg, "```")
		if p == -1 {
			break
		}
		blocks = append(blocks, preblock{msg[:p], pre})
		pre = !pre
		msg = msg[p+3:]
	}
	return append(blocks, preblock{msg, pre})
}

// splitTokens separates the normal text runs from the angle-bracketed
// items. Returned tokens are Text and SpecialItem only; no entity or emoji
// substitution is done here.
func splitTokens(msg string) []Token {
	var tokens []Token
	for {
		begin := strings.Index(msg, "<")
		if begin == -1 {
			break
		}
		if begin != 0 {
			tokens = append(tokens, Text(msg[:begin]))
			msg = msg[begin:]
			continue
		}
		end := strings.Index(msg, ">")
		if end == -1 {
			break
		}
		tokens = append(tokens, SpecialItem{msg[:end+1]})
		msg = msg[end+1:]
	}
	if msg != "" {
		tokens = append(tokens, Text(msg))
	}
	return tokens
}

// convertpre renders the inside of a preformatted block. Links may appear
// in preformatted blocks, since Slack converts text that looks like a URL;
// they are unwrapped, preferring the label. Mentions, channel references
// and yells are not permitted.
func convertpre(msg string) (string, error) {
	var b strings.Builder
	for _, t := range splitTokens(msg) {
		switch t := t.(type) {
		case Text:
			b.WriteString(string(t))
		case SpecialItem:
			if t.Kind() != Other {
				return "", fmt.Errorf("unexpected slack item in preformatted block %q", t.Txt)
			}
			if human, ok := t.Human(); ok {
				b.WriteString(human)
			} else {
				b.WriteString(t.Val())
			}
		}
	}
	return decodeEntities(b.String()), nil
}

// expandEmoji replaces :alias: emoji codes with the corresponding code
// points. Unknown aliases are passed through unchanged.
func expandEmoji(s string) string {
	if !strings.Contains(s, ":") {
		return s
	}
	codeMap := emoji.CodeMap()
	var b strings.Builder
	for {
		begin := strings.Index(s, ":")
		if begin == -1 {
			break
		}
		length := strings.Index(s[begin+1:], ":")
		if length == -1 {
			break
		}
		code := s[begin : begin+length+2]
		if e, ok := codeMap[code]; ok {
			b.WriteString(s[:begin])
			b.WriteString(e)
			s = s[begin+length+2:]
		} else {
			// Not an alias; the closing colon may open the next one.
			b.WriteString(s[:begin+length+1])
			s = s[begin+length+1:]
		}
	}
	b.WriteString(s)
	return b.String()
}

// GetEmojiCode returns the :alias: code for an emoji, without delimiters,
// or the input unchanged if it is not a known emoji.
func GetEmojiCode(e string) string {
	if codes := emoji.RevCodeMap()[e]; len(codes) > 0 {
		return strings.Trim(codes[0], ":")
	}
	return e
}

// Tokenize parses a Slack message into its tokens. HTML entities are
// decoded and emoji codes expanded in plain text runs; preformatted blocks
// only get the entity decoding. It fails if a preformatted block contains
// a mention, channel reference or yell.
func Tokenize(msg string) ([]Token, error) {
	var tokens []Token
	for _, block := range preblocks(msg) {
		if block.pre {
			txt, err := convertpre(block.txt)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, PreBlock{txt})
			continue
		}
		for _, t := range splitTokens(block.txt) {
			if txt, ok := t.(Text); ok {
				t = Text(decodeEntities(expandEmoji(string(txt))))
			}
			tokens = append(tokens, t)
		}
	}
	return tokens, nil
}
