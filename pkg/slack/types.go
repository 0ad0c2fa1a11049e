package slack

import (
	"fmt"
	"strconv"
	"strings"
)

// Team identifies the workspace.
type Team struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

// Self identifies the authenticated user.
type Self struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LoginInfo is returned by rtm.connect and refreshed on every reconnect.
type LoginInfo struct {
	Team Team   `json:"team"`
	Self Self   `json:"self"`
	URL  string `json:"url"`
}

// Topic is not just a string on the wire.
type Topic struct {
	Value string `json:"value"`
}

// Latest carries the timestamp of the most recent message in a channel.
type Latest struct {
	Ts string `json:"ts"`
}

// Channel is a conversation of any type: public, private, mpim or im.
type Channel struct {
	ID             string  `json:"id"`
	NameNormalized string  `json:"name_normalized"`
	Topic          Topic   `json:"topic"`
	Purpose        Topic   `json:"purpose"`
	NumMembers     int     `json:"num_members"`
	IsMember       bool    `json:"is_member"`
	IsChannel      bool    `json:"is_channel"`
	IsGroup        bool    `json:"is_group"`
	IsMPIM         bool    `json:"is_mpim"`
	IsIM           bool    `json:"is_im"`
	Latest         *Latest `json:"latest,omitempty"`
}

// Name returns the normalized channel name.
func (c Channel) Name() string {
	return c.NameNormalized
}

// RealTopic falls back to the purpose when the topic is empty.
func (c Channel) RealTopic() string {
	if c.Topic.Value != "" {
		return c.Topic.Value
	}
	return c.Purpose.Value
}

// LatestTs returns the timestamp of the latest message, or 0 if unknown.
func (c Channel) LatestTs() float64 {
	if c.Latest == nil {
		return 0
	}
	return tsFloat(c.Latest.Ts)
}

// MessageThread is a synthetic channel for a Slack thread. It is never a
// remote entity; it only exists to give the thread a place on IRC.
type MessageThread struct {
	Channel
	ThreadTs string
}

// Name returns the derived thread channel name.
func (t MessageThread) Name() string {
	return fmt.Sprintf("t-%s-%s", t.Channel.NameNormalized, t.ThreadTs)
}

// Profile is the part of a user profile the bridge cares about.
type Profile struct {
	RealName          string `json:"real_name"`
	Email             string `json:"email,omitempty"`
	StatusText        string `json:"status_text"`
	IsRestricted      bool   `json:"is_restricted"`
	IsUltraRestricted bool   `json:"is_ultra_restricted"`
}

// User is a workspace member. Deleted users stay in the cache so that
// historical messages can still be rendered.
type User struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Profile Profile `json:"profile"`
	IsAdmin bool    `json:"is_admin"`
	Deleted bool    `json:"deleted"`
}

// RealName returns the profile real name.
func (u User) RealName() string {
	return u.Profile.RealName
}

// IM is a two-party conversation. Slack gives it its own channel id; one
// cannot send directly to a user.
type IM struct {
	ID   string `json:"id"`
	User string `json:"user"`
}

// File is an uploaded file attached to a message.
type File struct {
	ID         string `json:"id"`
	URLPrivate string `json:"url_private"`
	Size       int    `json:"size"`
	Name       string `json:"name"`
	Title      string `json:"title"`
	Mimetype   string `json:"mimetype"`
}

// Attachment is the part of a bot message attachment the bridge renders.
type Attachment struct {
	Text     string `json:"text"`
	Fallback string `json:"fallback"`
}

// Event is anything the client yields to its consumer.
type Event interface {
	slackEvent()
}

// Message is a regular chat message.
type Message struct {
	Channel  string `json:"channel"`
	User     string `json:"user"`
	Text     string `json:"text"`
	Ts       string `json:"ts"`
	ThreadTs string `json:"thread_ts"`
	Files    []File `json:"files"`
}

func (Message) slackEvent() {}

// ActionMessage is a me_message, rendered on IRC as a CTCP ACTION.
type ActionMessage Message

func (ActionMessage) slackEvent() {}

// MessageDelete carries the message that was deleted.
type MessageDelete Message

func (MessageDelete) slackEvent() {}

// MessageBot is a message sent by a bot rather than a user.
type MessageBot struct {
	Channel  string `json:"channel"`
	Username string `json:"username"`
	Text     string `json:"text"`
	BotID    string `json:"bot_id"`
	ThreadTs string `json:"thread_ts"`
}

func (MessageBot) slackEvent() {}

// NoChanMessage is a message as it appears inside an edit event, where the
// channel is carried by the envelope.
type NoChanMessage struct {
	User     string `json:"user"`
	Text     string `json:"text"`
	Ts       string `json:"ts"`
	ThreadTs string `json:"thread_ts"`
}

// MessageEdit is a message_changed event.
type MessageEdit struct {
	Channel  string
	Previous NoChanMessage
	Current  NoChanMessage
}

func (MessageEdit) slackEvent() {}

// IsChanged tells whether the edit altered the text. Slack also emits
// edits for things like link previews, which change nothing.
func (e MessageEdit) IsChanged() bool {
	return e.Previous.Text != e.Current.Text
}

// TopicChange is a channel topic update.
type TopicChange struct {
	Channel string `json:"channel"`
	Topic   string `json:"topic"`
	User    string `json:"user"`
}

func (TopicChange) slackEvent() {}

// Join is a user joining a channel.
type Join struct {
	User    string `json:"user"`
	Channel string `json:"channel"`
}

func (Join) slackEvent() {}

// Leave is a user leaving a channel.
type Leave struct {
	User    string `json:"user"`
	Channel string `json:"channel"`
}

func (Leave) slackEvent() {}

// GroupJoined is the authenticated user being added to a channel.
type GroupJoined struct {
	Channel Channel `json:"channel"`
}

func (GroupJoined) slackEvent() {}

// UserTyping is a typing notification.
type UserTyping struct {
	User    string `json:"user"`
	Channel string `json:"channel"`
}

func (UserTyping) slackEvent() {}

// Autoreaction automatically reacts to messages of a user, with the given
// probability, until it expires.
type Autoreaction struct {
	Reaction    string  `json:"reaction"`
	Probability float64 `json:"probability"`
	Expiration  float64 `json:"expiration"`
}

// tsFloat parses a Slack timestamp for ordering. Timestamps are compared
// for equality in their string form and ordered as floats.
func tsFloat(ts string) float64 {
	if ts == "" {
		return 0
	}
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return 0
	}
	return f
}

// firstLine returns the text up to the first newline.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i != -1 {
		return s[:i]
	}
	return s
}
