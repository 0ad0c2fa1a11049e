package irc

import (
	"context"
	"fmt"
	"strings"

	"github.com/insomniacslk/localslackirc/pkg/seddiff"
	"github.com/insomniacslk/localslackirc/pkg/slack"
)

// SlackEvent translates one chat event into IRC lines. Events arriving
// before registration completes are queued and replayed by the welcome.
// The queue is bounded; the oldest events are dropped when it overflows.
func (c *Client) SlackEvent(ctx context.Context, ev slack.Event) error {
	c.mu.Lock()
	if !c.registered {
		if len(c.held) >= maxHeldEvents {
			c.held = c.held[1:]
		}
		c.held = append(c.held, ev)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.dispatchEvent(ctx, ev)
}

func (c *Client) dispatchEvent(ctx context.Context, ev slack.Event) error {
	switch ev := ev.(type) {
	case slack.Message:
		return c.message(ctx, ev, "", false)
	case slack.ActionMessage:
		return c.message(ctx, slack.Message(ev), "", true)
	case slack.MessageDelete:
		return c.message(ctx, slack.Message(ev), "[deleted] ", false)
	case slack.MessageBot:
		msg := slack.Message{
			Channel:  ev.Channel,
			Text:     ev.Text,
			ThreadTs: ev.ThreadTs,
		}
		return c.botMessage(ctx, msg, fmt.Sprintf("[%s] ", ev.Username))
	case slack.MessageEdit:
		return c.messageEdit(ctx, ev)
	case slack.Join:
		return c.joinedParted(ctx, ev.User, ev.Channel, true)
	case slack.Leave:
		return c.joinedParted(ctx, ev.User, ev.Channel, false)
	case slack.TopicChange:
		ch, err := c.sl.GetChannel(ctx, ev.Channel)
		if err != nil {
			return nil
		}
		return c.sendReply(RplTopic, oneLine(ev.Topic), "#"+ch.Name())
	case slack.GroupJoined:
		name := "#" + ev.Channel.Name()
		return c.sendChanInfo(ctx, name, ev.Channel.ID, ev.Channel.RealTopic())
	default:
		log.Debugf("Ignoring event %#v", ev)
		return nil
	}
}

func (c *Client) messageEdit(ctx context.Context, ev slack.MessageEdit) error {
	if !ev.IsChanged() {
		return nil
	}
	diff := slack.Message{
		Channel:  ev.Channel,
		User:     ev.Previous.User,
		Text:     seddiff.Seddiff(ev.Previous.Text, ev.Current.Text),
		ThreadTs: ev.Previous.ThreadTs,
	}
	return c.message(ctx, diff, "", false)
}

func (c *Client) message(ctx context.Context, msg slack.Message, prefix string, action bool) error {
	u, err := c.sl.GetUser(ctx, msg.User)
	if err != nil {
		log.Warningf("Cannot resolve user %s: %v", msg.User, err)
		return nil
	}
	return c.deliver(ctx, u.Name, msg, prefix, action)
}

func (c *Client) botMessage(ctx context.Context, msg slack.Message, prefix string) error {
	return c.deliver(ctx, "bot", msg, prefix, false)
}

// deliver routes a chat message to the right IRC destination: the channel,
// a synthetic thread channel, or the user's own query window for IMs.
// Parted channels suppress their traffic unless the user is mentioned.
func (c *Client) deliver(ctx context.Context, source string, msg slack.Message, prefix string, action bool) error {
	dest := c.selfName()
	yellDest := ""
	if ch, err := c.sl.GetChannel(ctx, msg.Channel); err == nil {
		dest = "#" + ch.Name()
		yellDest = dest
	}

	mentioned := !c.settings.NoRejoinOnMention && strings.Contains(msg.Text, c.mentionString())

	if msg.ThreadTs != "" && yellDest != "" {
		thread, err := c.sl.GetThread(ctx, msg.ThreadTs, msg.Channel)
		if err != nil {
			log.Warningf("Cannot resolve thread %s in %s: %v", msg.ThreadTs, msg.Channel, err)
		} else {
			originalDest := dest
			dest = "#" + thread.Name()

			c.mu.Lock()
			parted := c.parted[dest]
			_, known := c.knownThreads[dest]
			originalParted := c.parted[originalDest]
			c.mu.Unlock()

			if parted {
				if !mentioned {
					// This thread is being ignored
					return nil
				}
				c.mu.Lock()
				delete(c.parted, dest)
				c.mu.Unlock()
			}
			if !known {
				if originalParted && !mentioned {
					// New threads on a parted channel stay
					// suppressed; known ones keep flowing.
					return nil
				}
				if err := c.sendChanInfo(ctx, dest, thread.ID, thread.RealTopic()); err != nil {
					return err
				}
				c.mu.Lock()
				c.knownThreads[dest] = thread
				c.mu.Unlock()
			}
		}
	} else {
		c.mu.Lock()
		parted := c.parted[dest]
		c.mu.Unlock()
		if parted {
			if !mentioned {
				return nil
			}
			ch, err := c.sl.GetChannel(ctx, msg.Channel)
			if err != nil {
				return nil
			}
			if err := c.sendChanInfo(ctx, dest, ch.ID, ch.RealTopic()); err != nil {
				return err
			}
			c.mu.Lock()
			delete(c.parted, dest)
			c.mu.Unlock()
		}
	}

	text := msg.Text
	for _, f := range msg.Files {
		text += fmt.Sprintf("\n[file upload] %s\n%s %d bytes\n%s", f.Name, f.Mimetype, f.Size, f.URLPrivate)
	}

	rendered, err := c.parseMessage(ctx, prefix+text, source, yellDest)
	if err != nil {
		log.Warningf("Cannot render message %q: %v", text, err)
		return nil
	}
	for _, line := range strings.Split(rendered, "\n") {
		if line == "" {
			continue
		}
		if action {
			line = "\x01ACTION " + line + "\x01"
		}
		if err := c.sendPrivmsg(source, dest, line); err != nil {
			return err
		}
	}
	return nil
}

// joinedParted reflects membership changes as IRC JOIN and PART lines.
func (c *Client) joinedParted(ctx context.Context, userID, channelID string, joined bool) error {
	// The users in the channel changed
	c.invalidateMentionRegex(channelID)

	u, err := c.sl.GetUser(ctx, userID)
	if err != nil || u.Deleted {
		return nil
	}
	ch, err := c.sl.GetChannel(ctx, channelID)
	if err != nil {
		return nil
	}
	dest := "#" + ch.Name()
	c.mu.Lock()
	parted := c.parted[dest]
	c.mu.Unlock()
	if parted {
		return nil
	}
	rname := strings.ReplaceAll(u.RealName(), " ", "_")
	if joined {
		return c.write(fmt.Sprintf(":%s!%s@127.0.0.1 JOIN :%s\r\n", u.Name, rname, dest))
	}
	return c.write(fmt.Sprintf(":%s!%s@127.0.0.1 PART %s\r\n", u.Name, rname, dest))
}
