package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/insomniacslk/localslackirc/pkg/transport"
)

// uselessEvents are RTM frame types dropped without decoding.
var uselessEvents = map[string]bool{
	"hello":                      true,
	"goodbye":                    true,
	"accounts_changed":           true,
	"user_interaction_changed":   true,
	"clear_mention_notification": true,
	"update_global_thread_state": true,
	"update_thread_state":        true,
	"thread_marked":              true,
	"im_marked":                  true,
	"pref_change":                true,
	"draft_create":               true,
	"draft_delete":               true,
	"channel_marked":             true,
	"group_marked":               true,
	"mpim_marked":                true,
	"dnd_updated_user":           true,
	"reaction_added":             true,
	"file_deleted":               true,
	"file_public":                true,
	"file_created":               true,
	"file_shared":                true,
	"desktop_notification":       true,
	"mobile_in_app_notification": true,
}

// Event blocks until the next typed event. Pending internal events (history
// replay, synthetic joins) are drained before the socket is read. Socket
// errors trigger reconnection with capped exponential backoff and are never
// surfaced to the caller; the only error returned is context cancellation.
func (c *Client) Event(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.sweepSentBySelf()

		c.mu.Lock()
		if len(c.pending) > 0 {
			ev := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return c.deliver(ctx, ev), nil
		}
		ws := c.ws
		c.mu.Unlock()

		if ws == nil {
			c.reconnect(ctx)
			continue
		}

		// Let any in-flight send record its timestamp first.
		c.wsblock.Wait()

		_, frame, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warningf("RTM socket error: %v", err)
			c.reconnect(ctx)
			continue
		}
		ev, ok := c.decodeFrame(ctx, frame)
		if !ok {
			continue
		}
		return c.deliver(ctx, ev), nil
	}
}

// reconnect logs in again, doubling the sleep between failed attempts up to
// the cap. History since the last seen timestamp is replayed by Login.
func (c *Client) reconnect(ctx context.Context) {
	for {
		c.mu.Lock()
		wait := c.backoff
		c.backoff *= 2
		if c.backoff > maxBackoff {
			c.backoff = maxBackoff
		}
		c.mu.Unlock()

		err := c.Login(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		log.Warningf("Reconnection failed, retrying in %s: %v", wait, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// sweepSentBySelf drops echo-suppression entries older than the TTL.
func (c *Client) sweepSentBySelf() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ts, inserted := range c.sentBySelf {
		if time.Since(inserted) > sentBySelfTTL {
			delete(c.sentBySelf, ts)
		}
	}
}

// advanceTs moves the last seen timestamp forward, never backward.
func (c *Client) advanceTs(ts string) {
	f := tsFloat(ts)
	if f == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if f >= c.lastTsF {
		c.lastTsF = f
		c.lastTs = ts
	}
}

// decodeFrame turns one RTM frame into a typed event. The second return is
// false when the frame is dropped, suppressed or handled internally.
func (c *Client) decodeFrame(ctx context.Context, frame []byte) (Event, bool) {
	var head struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		Ts      string `json:"ts"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		log.Warningf("Undecodable RTM frame: %v", err)
		return nil, false
	}
	if uselessEvents[head.Type] {
		return nil, false
	}
	c.advanceTs(head.Ts)

	switch head.Type {
	case "message":
		return c.decodeMessage(ctx, frame, head.Subtype, head.Ts)
	case "user_change":
		var ev struct {
			User User `json:"user"`
		}
		if err := json.Unmarshal(frame, &ev); err == nil {
			c.invalidateUser(ev.User.ID)
		}
		return nil, false
	case "member_joined_channel":
		var ev Join
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, false
		}
		c.memberJoined(ev.Channel, ev.User)
		return ev, true
	case "member_left_channel":
		var ev Leave
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, false
		}
		c.memberLeft(ev.Channel, ev.User)
		return ev, true
	case "group_joined", "channel_joined":
		var ev GroupJoined
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, false
		}
		c.mu.Lock()
		c.chansValid = false
		c.mu.Unlock()
		return ev, true
	case "user_typing":
		var ev UserTyping
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, false
		}
		c.annoyBack(ev)
		return nil, false
	default:
		log.Debugf("Unhandled event type %q", head.Type)
		return nil, false
	}
}

func (c *Client) decodeMessage(ctx context.Context, frame []byte, subtype, ts string) (Event, bool) {
	switch subtype {
	case "", "me_message":
		c.mu.Lock()
		_, self := c.sentBySelf[ts]
		if self {
			delete(c.sentBySelf, ts)
		}
		c.mu.Unlock()
		if self {
			return nil, false
		}
		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			log.Warningf("Undecodable message: %v", err)
			return nil, false
		}
		// A message of mine coming from another client shows up in
		// the IM as if the peer reported it.
		if im, err := c.GetIM(ctx, msg.Channel); err == nil && im.User != msg.User {
			msg.User = im.User
			msg.Text = "I say: " + msg.Text
		}
		if subtype == "me_message" {
			return ActionMessage(msg), true
		}
		return msg, true
	case "message_changed":
		var ev struct {
			Channel  string        `json:"channel"`
			Message  NoChanMessage `json:"message"`
			Previous NoChanMessage `json:"previous_message"`
		}
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, false
		}
		return MessageEdit{Channel: ev.Channel, Previous: ev.Previous, Current: ev.Message}, true
	case "message_deleted":
		var ev struct {
			Channel  string        `json:"channel"`
			Previous NoChanMessage `json:"previous_message"`
		}
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, false
		}
		return MessageDelete{
			Channel:  ev.Channel,
			User:     ev.Previous.User,
			Text:     ev.Previous.Text,
			Ts:       ev.Previous.Ts,
			ThreadTs: ev.Previous.ThreadTs,
		}, true
	case "bot_message":
		var ev struct {
			MessageBot
			Attachments []Attachment `json:"attachments"`
		}
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, false
		}
		bot := ev.MessageBot
		bot.Text = renderBotText(bot.Text, ev.Attachments)
		return bot, true
	case "channel_topic":
		var ev TopicChange
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, false
		}
		return ev, true
	default:
		log.Debugf("Unhandled message subtype %q", subtype)
		return nil, false
	}
}

// renderBotText appends each attachment's text, or its fallback, to the
// message body.
func renderBotText(text string, attachments []Attachment) string {
	var b strings.Builder
	b.WriteString(text)
	for _, a := range attachments {
		t := a.Text
		if t == "" {
			t = a.Fallback
		}
		if t == "" {
			continue
		}
		b.WriteString("\n| ")
		b.WriteString(t)
	}
	return b.String()
}

// deliver runs the side effects an outgoing event triggers, then hands it
// to the caller.
func (c *Client) deliver(ctx context.Context, ev Event) Event {
	switch m := ev.(type) {
	case Message:
		c.fireAutoreactions(ctx, m.User, m.Channel, m.Ts)
	case ActionMessage:
		c.fireAutoreactions(ctx, m.User, m.Channel, m.Ts)
	}
	return ev
}

// fireAutoreactions reacts to a message per the registered entries of its
// author. Expired entries and entries whose reactions.add fails are
// removed.
func (c *Client) fireAutoreactions(ctx context.Context, user, channel, ts string) {
	c.mu.Lock()
	entries := c.reactions[user]
	c.mu.Unlock()
	if len(entries) == 0 {
		return
	}

	now := float64(time.Now().Unix())
	kept := make([]Autoreaction, 0, len(entries))
	for _, a := range entries {
		if a.Expiration < now {
			continue
		}
		if rand.Float64() >= a.Probability {
			kept = append(kept, a)
			continue
		}
		err := c.call(ctx, "send", "reactions.add", map[string]transport.Field{
			"channel":   {Value: channel},
			"timestamp": {Value: ts},
			"name":      {Value: a.Reaction},
		}, nil)
		if err != nil {
			log.Warningf("Dropping autoreaction %q on %s: %v", a.Reaction, user, err)
			continue
		}
		kept = append(kept, a)
	}

	c.mu.Lock()
	if len(kept) == 0 {
		delete(c.reactions, user)
	} else {
		c.reactions[user] = kept
	}
	c.mu.Unlock()
}

// annoyBack echoes a typing notification at an annoyed user. Expired
// entries are removed on touch.
func (c *Client) annoyBack(ev UserTyping) {
	c.mu.Lock()
	until, ok := c.annoy[ev.User]
	if ok && float64(time.Now().Unix()) > until {
		delete(c.annoy, ev.User)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.Typing(ev.Channel); err != nil {
		log.Debugf("Cannot send typing notification: %v", err)
	}
}

// replayHistory pushes the messages missed since the persisted timestamp
// onto the pending queue, oldest first, for every channel the user is a
// member of and for every IM. The window is capped at four days.
func (c *Client) replayHistory(ctx context.Context) {
	c.mu.Lock()
	last := c.lastTsF
	c.mu.Unlock()
	if last <= 0 {
		return
	}
	oldest := last
	if floor := float64(time.Now().Add(-replayWindow).Unix()); floor > oldest {
		oldest = floor
	}

	chans, err := c.Channels(ctx, true)
	if err != nil {
		log.Warningf("History replay: cannot list channels: %v", err)
		return
	}
	for _, ch := range chans {
		if !ch.IsMember {
			continue
		}
		c.replayChannel(ctx, ch.ID, oldest)
	}
	ims, err := c.GetIMs(ctx)
	if err != nil {
		log.Warningf("History replay: cannot list IMs: %v", err)
		return
	}
	for _, im := range ims {
		c.replayChannel(ctx, im.ID, oldest)
	}
}

func (c *Client) replayChannel(ctx context.Context, channel string, oldest float64) {
	var collected []json.RawMessage
	cursor := ""
	for {
		fields := map[string]transport.Field{
			"channel": {Value: channel},
			"oldest":  {Value: fmt.Sprintf("%f", oldest)},
			"limit":   {Value: fmt.Sprintf("%d", paginationLimit)},
		}
		if cursor != "" {
			fields["cursor"] = transport.Field{Value: cursor}
		}
		var out struct {
			Messages []json.RawMessage `json:"messages"`
			Metadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		if err := c.call(ctx, "history", "conversations.history", fields, &out); err != nil {
			log.Warningf("History replay for %s interrupted: %v", channel, err)
			return
		}
		collected = append(collected, out.Messages...)
		// Equal cursors would loop forever on a stuck server.
		if out.Metadata.NextCursor == "" || out.Metadata.NextCursor == cursor {
			break
		}
		cursor = out.Metadata.NextCursor
	}

	// The API returns newest first; replay wants chronological order.
	for i := len(collected) - 1; i >= 0; i-- {
		c.replayMessage(ctx, channel, collected[i])
	}
}

// replayMessage pushes one historical message, expanding thread roots into
// their replies so the whole thread replays in order.
func (c *Client) replayMessage(ctx context.Context, channel string, raw json.RawMessage) {
	var head struct {
		Subtype  string `json:"subtype"`
		Ts       string `json:"ts"`
		ThreadTs string `json:"thread_ts"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return
	}
	c.mu.Lock()
	// After a restart only the float survives in the status blob, so the
	// boundary message has to be recognized by value too.
	seen := head.Ts == c.lastTs || (c.lastTs == "" && c.lastTsF > 0 && tsFloat(head.Ts) == c.lastTsF)
	c.mu.Unlock()
	if seen {
		return
	}
	c.advanceTs(head.Ts)

	if ev, ok := c.typedHistoryMessage(channel, raw, head.Subtype); ok {
		c.mu.Lock()
		c.pending = append(c.pending, ev)
		c.mu.Unlock()
	}

	if head.ThreadTs != "" && head.ThreadTs == head.Ts {
		c.replayThread(ctx, channel, head.Ts)
	}
}

func (c *Client) replayThread(ctx context.Context, channel, threadTs string) {
	var out struct {
		Messages []json.RawMessage `json:"messages"`
	}
	err := c.call(ctx, "history", "conversations.replies", map[string]transport.Field{
		"channel": {Value: channel},
		"ts":      {Value: threadTs},
		"limit":   {Value: fmt.Sprintf("%d", paginationLimit)},
	}, &out)
	if err != nil {
		log.Warningf("Thread replay for %s at %s failed: %v", channel, threadTs, err)
		return
	}
	// Replies come oldest first and include the root, already replayed.
	for _, raw := range out.Messages {
		var head struct {
			Subtype string `json:"subtype"`
			Ts      string `json:"ts"`
		}
		if err := json.Unmarshal(raw, &head); err != nil || head.Ts == threadTs {
			continue
		}
		c.advanceTs(head.Ts)
		if ev, ok := c.typedHistoryMessage(channel, raw, head.Subtype); ok {
			c.mu.Lock()
			c.pending = append(c.pending, ev)
			c.mu.Unlock()
		}
	}
}

// typedHistoryMessage decodes a historical message into the event the RTM
// stream would have produced. Exotic subtypes are skipped.
func (c *Client) typedHistoryMessage(channel string, raw json.RawMessage, subtype string) (Event, bool) {
	switch subtype {
	case "":
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, false
		}
		msg.Channel = channel
		return msg, true
	case "bot_message":
		var ev struct {
			MessageBot
			Attachments []Attachment `json:"attachments"`
		}
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, false
		}
		bot := ev.MessageBot
		bot.Channel = channel
		bot.Text = renderBotText(bot.Text, ev.Attachments)
		return bot, true
	default:
		return nil, false
	}
}
