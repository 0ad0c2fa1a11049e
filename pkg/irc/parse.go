package irc

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/insomniacslk/localslackirc/pkg/msgparsing"
)

// superscripts maps decimal digits to the superscript numerals used for
// link references.
var superscripts = strings.NewReplacer(
	"0", "⁰", "1", "¹", "2", "²", "3", "³", "4", "⁴",
	"5", "⁵", "6", "⁶", "7", "⁷", "8", "⁸", "9", "⁹",
)

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", " | ")
}

// parseMessage converts a Slack message into text for IRC: mentions and
// yells get their IRC rendering, long preformatted blocks are saved to
// files, and labelled links are collected at the end like in emails.
func (c *Client) parseMessage(ctx context.Context, text, source, destination string) (string, error) {
	tokens, err := msgparsing.Tokenize(text)
	if err != nil {
		return "", err
	}

	var r strings.Builder
	links := ""
	refn := 1

	for _, t := range tokens {
		switch t := t.(type) {
		case msgparsing.Text:
			r.WriteString(string(t))
		case msgparsing.PreBlock:
			if c.settings.FormattedMaxLines > 0 && t.Lines() > c.settings.FormattedMaxLines {
				tmpfile, err := os.CreateTemp(c.settings.DownloadsDirectory, "localslackirc-attachment-*.txt")
				if err != nil {
					return "", err
				}
				if _, err := tmpfile.WriteString(t.Txt); err != nil {
					tmpfile.Close()
					return "", err
				}
				tmpfile.Close()
				fmt.Fprintf(&r, "\n === PREFORMATTED TEXT AT file://%s\n", tmpfile.Name())
			} else {
				r.WriteString("```" + t.Txt + "```")
			}
		case msgparsing.SpecialItem:
			switch t.Kind() {
			case msgparsing.Mention:
				u, err := c.sl.GetUser(ctx, t.Val())
				if err != nil {
					return "", err
				}
				r.WriteString(u.Name)
			case msgparsing.Channel:
				// Slack might send ids of channels that do not exist.
				if ch, err := c.sl.GetChannel(ctx, t.Val()); err == nil {
					r.WriteString("#" + ch.Name())
				} else {
					r.WriteString("#ERROR_MISSING_CHANNEL")
				}
			case msgparsing.Yell:
				yell := ":"
				if !c.settings.SilencedYellers[source] && !c.settings.SilencedYellers[destination] {
					yell = fmt.Sprintf(" [%s]:", c.selfName())
				}
				switch t.Val() {
				case "here":
					r.WriteString("yelling" + yell)
				case "channel":
					r.WriteString("YELLING LOUDER" + yell)
				default:
					r.WriteString("DEAFENING YELL" + yell)
				}
			default: // link
				label, ok := t.Human()
				if !ok {
					r.WriteString(t.Val())
					continue
				}
				if strings.Contains(label, "://") {
					label = "LINK"
				}
				ref := superscripts.Replace(fmt.Sprintf("%d", refn))
				links += fmt.Sprintf("\n  %s %s", ref, t.Val())
				r.WriteString(label + ref)
				refn++
			}
		}
	}
	return r.String() + links, nil
}

// mentionRegex builds, and caches by channel id, a regexp matching any
// member handle of the channel. A nil pattern means the channel has no
// members worth substituting.
func (c *Client) mentionRegex(ctx context.Context, channelID string) (*regexp.Regexp, error) {
	c.mu.Lock()
	re, ok := c.mentionsRegex[channelID]
	c.mu.Unlock()
	if ok {
		return re, nil
	}

	members, err := c.sl.GetMembers(ctx, channelID)
	if err != nil {
		return nil, err
	}
	var patterns []string
	for _, id := range members {
		u, err := c.sl.GetUser(ctx, id)
		if err != nil {
			continue
		}
		// The optional URL prefix lets the replacement skip handles that
		// happen to appear inside a link.
		patterns = append(patterns, fmt.Sprintf(`((://\S*)?\b%s\b)`, regexp.QuoteMeta(u.Name)))
	}

	if len(patterns) == 0 {
		c.mu.Lock()
		c.mentionsRegex[channelID] = nil
		c.mu.Unlock()
		return nil, nil
	}

	re, err = regexp.Compile(strings.Join(patterns, "|"))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.mentionsRegex[channelID] = re
	c.mu.Unlock()
	return re, nil
}

// invalidateMentionRegex drops the cached pattern when channel membership
// changes.
func (c *Client) invalidateMentionRegex(channelID string) {
	c.mu.Lock()
	delete(c.mentionsRegex, channelID)
	c.mu.Unlock()
}

// addMagic rewrites an outgoing message into Slack wire format: entities
// are re-encoded, group mentions become control sequences and member
// handles become <@id> mentions. destChannelID is empty for private
// messages, which get no handle substitution.
func (c *Client) addMagic(ctx context.Context, msg, destChannelID string) (string, error) {
	for _, sub := range msgparsing.SlackSubstitutions {
		msg = strings.ReplaceAll(msg, sub[1], sub[0])
	}
	msg = strings.ReplaceAll(msg, "@here", "<!here>")
	msg = strings.ReplaceAll(msg, "@channel", "<!channel>")
	msg = strings.ReplaceAll(msg, "@everyone", "<!everyone>")

	if destChannelID == "" {
		return msg, nil
	}
	re, err := c.mentionRegex(ctx, destChannelID)
	if err != nil || re == nil {
		return msg, nil
	}

	// Replace from the end to the start so that earlier offsets stay
	// valid.
	matches := re.FindAllStringIndex(msg, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		handle := msg[m[0]:m[1]]
		if strings.HasPrefix(handle, "://") {
			continue // inside a URL
		}
		u, err := c.sl.GetUserByName(ctx, handle)
		if err != nil {
			continue
		}
		msg = msg[:m[0]] + "<@" + u.ID + ">" + msg[m[1]:]
	}
	return msg, nil
}
