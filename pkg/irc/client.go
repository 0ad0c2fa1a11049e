// Package irc exposes the Slack session as a single-user IRC server:
// command dispatch, channel state, synthetic thread channels, and the
// translation between the two vocabularies in both directions.
package irc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/coredhcp/coredhcp/logger"

	"github.com/insomniacslk/localslackirc/pkg/slack"
)

var log = logger.GetLogger("irc")

// Version is announced in the welcome replies.
const Version = "1.0"

// ErrDisconnect signals that the IRC client is gone, either via QUIT or a
// dead socket. The supervisor catches it and restarts the listener.
var ErrDisconnect = errors.New("irc client disconnected")

const (
	// mpimHideDelay hides multi-party IMs that saw no traffic for this
	// long from autojoin.
	mpimHideDelay = 50 * 24 * time.Hour

	// maxHeldEvents bounds the queue of events that arrive before the
	// client registers. Oldest events are dropped past the limit.
	maxHeldEvents = 1024

	chunkSize = 512
)

// SlackAPI is the part of the chat client the IRC server calls back into.
// Narrowing it to an interface keeps the dependency one-directional and
// lets tests substitute a fake.
type SlackAPI interface {
	LoginInfo() *slack.LoginInfo
	SendMessage(ctx context.Context, channel, threadTs, text string, action, reSendToIRC bool) error
	SendMessageToUser(ctx context.Context, userID, text string, action, reSendToIRC bool) error
	SendFile(ctx context.Context, channel, threadTs, filename string, content io.Reader) error
	Away(ctx context.Context, away bool) error
	Join(ctx context.Context, channel string) error
	Kick(ctx context.Context, channel, user string) error
	Invite(ctx context.Context, channel, user string) error
	Topic(ctx context.Context, channel, topic string) error
	Channels(ctx context.Context, refresh bool) ([]slack.Channel, error)
	GetChannel(ctx context.Context, id string) (slack.Channel, error)
	GetChannelByName(ctx context.Context, name string) (slack.Channel, error)
	GetUser(ctx context.Context, id string) (slack.User, error)
	GetUserByName(ctx context.Context, name string) (slack.User, error)
	PrefetchUsers(ctx context.Context) error
	GetMembers(ctx context.Context, channel string) ([]string, error)
	GetThread(ctx context.Context, threadTs, channel string) (slack.MessageThread, error)
	AddAnnoy(userID string, d time.Duration)
	AddAutoreaction(userID, reaction string, probability float64, d time.Duration)
	DropAutoreactions(userID string)
}

// Settings is the per-session configuration of the IRC side.
type Settings struct {
	NoUserList         bool
	AutoJoin           bool
	NoRejoinOnMention  bool
	IgnoredChannels    map[string]bool // names with the # prefix
	SilencedYellers    map[string]bool
	DownloadsDirectory string
	FormattedMaxLines  int
}

// Verify makes sure the configuration is usable, creating the downloads
// directory if needed.
func (s *Settings) Verify() error {
	info, err := os.Stat(s.DownloadsDirectory)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(s.DownloadsDirectory, 0o755); err != nil {
			return fmt.Errorf("unable to create %s: %w", s.DownloadsDirectory, err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.DownloadsDirectory)
	}
	return nil
}

// Client serves one IRC connection on top of a Slack session.
type Client struct {
	sl       SlackAPI
	settings Settings

	writeMu sync.Mutex
	conn    io.Writer

	mu            sync.Mutex
	nick          string
	username      string
	realname      string
	nickReceived  bool
	userReceived  bool
	registered    bool
	parted        map[string]bool
	knownThreads  map[string]slack.MessageThread
	held          []slack.Event
	mentionsRegex map[string]*regexp.Regexp // key is channel id; nil entry caches "no members"
}

// NewClient wires an accepted IRC connection to the Slack session.
func NewClient(conn io.Writer, sl SlackAPI, settings Settings) *Client {
	parted := make(map[string]bool)
	for name := range settings.IgnoredChannels {
		parted[name] = true
	}
	return &Client{
		sl:            sl,
		settings:      settings,
		conn:          conn,
		parted:        parted,
		knownThreads:  make(map[string]slack.MessageThread),
		mentionsRegex: make(map[string]*regexp.Regexp),
	}
}

// serverName is used as the prefix of server replies.
func (c *Client) serverName() string {
	if info := c.sl.LoginInfo(); info != nil && info.Team.Domain != "" {
		return info.Team.Domain
	}
	return "localhost"
}

func (c *Client) selfName() string {
	if info := c.sl.LoginInfo(); info != nil {
		return info.Self.Name
	}
	return ""
}

// mentionString is what a message contains when the user is mentioned.
func (c *Client) mentionString() string {
	if info := c.sl.LoginInfo(); info != nil {
		return "<@" + info.Self.ID + ">"
	}
	return "<@>"
}

func (c *Client) write(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := io.WriteString(c.conn, line)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnect, err)
	}
	return nil
}

// sendReply sends a numeric reply. Long WHO and NAMES replies are chunked
// to stay under the message size limit.
func (c *Client) sendReply(code int, message string, extratokens ...string) error {
	c.mu.Lock()
	nick := c.nick
	c.mu.Unlock()
	args := nick
	for _, t := range extratokens {
		args += " " + t
	}
	preamble := fmt.Sprintf(":%s %03d %s :", c.serverName(), code, args)
	chunks := []string{preamble + message + "\r\n"}
	if numericsSafeToChunk[code] {
		chunks = SplitReply(preamble, message, chunkSize)
	}
	for _, chunk := range chunks {
		if err := c.write(chunk); err != nil {
			return err
		}
	}
	return nil
}

// mask builds the IRC user mask for a nickname.
func mask(nick string) string {
	return fmt.Sprintf("%s!%s@127.0.0.1", nick, nick)
}

// sendPrivmsg emits one PRIVMSG line from the given source.
func (c *Client) sendPrivmsg(from, to, message string) error {
	return c.write(fmt.Sprintf(":%s PRIVMSG %s :%s\r\n", mask(from), to, message))
}

// Registered tells whether the initial NICK/USER exchange has completed.
func (c *Client) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// welcome completes registration: forces the nickname to match the
// workspace identity, sends the welcome replies, performs autojoin and
// drains the held events.
func (c *Client) welcome(ctx context.Context) error {
	info := c.sl.LoginInfo()
	if info == nil {
		return errors.New("welcome before login")
	}

	c.mu.Lock()
	oldNick := c.nick
	c.nick = info.Self.Name
	c.mu.Unlock()

	if oldNick != info.Self.Name {
		if err := c.sendReply(ErrErroneusNickname, fmt.Sprintf("Incorrect nickname, use %s", info.Self.Name)); err != nil {
			return err
		}
		if err := c.write(fmt.Sprintf(":%s NICK :%s\r\n", mask(oldNick), info.Self.Name)); err != nil {
			return err
		}
	}

	for _, reply := range []struct {
		code int
		text string
	}{
		{RplWelcome, "Welcome to localslackirc"},
		{RplYourHost, fmt.Sprintf("Your team name is: %s", info.Team.Name)},
		{RplYourHost, fmt.Sprintf("Your team domain is: %s", info.Team.Domain)},
		{RplYourHost, fmt.Sprintf("Your nickname must be: %s", info.Self.Name)},
		{RplYourHost, fmt.Sprintf("Version: %s", Version)},
		{RplLuserClient, "There are 1 users and 0 services on 1 server"},
	} {
		if err := c.sendReply(reply.code, reply.text); err != nil {
			return err
		}
	}

	if err := c.autojoin(ctx); err != nil {
		return err
	}

	// Replay the events queued while registering. The flag flips under the
	// same lock that found the queue empty, so a live event cannot slip in
	// ahead of a queued one.
	for {
		c.mu.Lock()
		if len(c.held) == 0 {
			c.registered = true
			c.mu.Unlock()
			return nil
		}
		held := c.held
		c.held = nil
		c.mu.Unlock()
		for _, ev := range held {
			if err := c.dispatchEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (c *Client) autojoin(ctx context.Context) error {
	channels, err := c.sl.Channels(ctx, false)
	if err != nil {
		return err
	}

	if !c.settings.AutoJoin {
		c.mu.Lock()
		for _, ch := range channels {
			c.parted["#"+ch.Name()] = true
		}
		c.mu.Unlock()
		return nil
	}

	if !c.settings.NoUserList {
		// About to load many users per channel; batch load the whole
		// directory instead of one users.info each.
		if err := c.sl.PrefetchUsers(ctx); err != nil {
			log.Warningf("Cannot prefetch users: %v", err)
		}
	}

	mpimCutoff := float64(time.Now().Add(-mpimHideDelay).Unix())
	for _, ch := range channels {
		if !ch.IsMember {
			continue
		}
		if ch.IsMPIM && ch.LatestTs() < mpimCutoff {
			continue
		}
		name := "#" + ch.Name()
		c.mu.Lock()
		skip := c.parted[name]
		c.mu.Unlock()
		if skip {
			log.Infof("Not joining %s on IRC, marked as parted", name)
			continue
		}
		if err := c.sendChanInfo(ctx, name, ch.ID, ch.RealTopic()); err != nil {
			return err
		}
	}
	return nil
}

// sendChanInfo emits the JOIN, TOPIC and NAMES block for a channel.
func (c *Client) sendChanInfo(ctx context.Context, channelName, channelID, topic string) error {
	users := ""
	if !c.settings.NoUserList {
		members, err := c.sl.GetMembers(ctx, channelID)
		if err != nil {
			return err
		}
		for _, id := range members {
			u, err := c.sl.GetUser(ctx, id)
			if err != nil || u.Deleted {
				continue
			}
			prefix := ""
			if u.IsAdmin {
				prefix = "@"
			}
			if users != "" {
				users += " "
			}
			users += prefix + u.Name
		}
	}

	yellDest := ""
	if ch, err := c.sl.GetChannel(ctx, channelID); err == nil {
		yellDest = "#" + ch.Name()
	}
	rendered, err := c.parseMessage(ctx, topic, "", yellDest)
	if err != nil {
		return err
	}
	rendered = oneLine(rendered)

	c.mu.Lock()
	nick := c.nick
	c.mu.Unlock()
	if err := c.write(fmt.Sprintf(":%s JOIN %s\r\n", mask(nick), channelName)); err != nil {
		return err
	}
	if err := c.sendReply(RplTopic, rendered, channelName); err != nil {
		return err
	}
	if err := c.sendReply(RplNamReply, users, "=", channelName); err != nil {
		return err
	}
	return c.sendReply(RplEndOfNames, "End of NAMES list", channelName)
}
