package irc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// commandHandler is invoked with the full command line, command included.
type commandHandler func(c *Client, ctx context.Context, cmd string) error

// commandHandlers maps IRC commands to their handlers. ANNOY, AUTOREACT
// and SENDFILE are extensions.
var commandHandlers = map[string]commandHandler{
	"NICK":      (*Client).handleNick,
	"USER":      (*Client).handleUser,
	"PING":      (*Client).handlePing,
	"CAP":       (*Client).handleCap,
	"JOIN":      (*Client).handleJoin,
	"PART":      (*Client).handlePart,
	"PRIVMSG":   (*Client).handlePrivmsg,
	"LIST":      (*Client).handleList,
	"WHO":       (*Client).handleWho,
	"WHOIS":     (*Client).handleWhois,
	"MODE":      (*Client).handleMode,
	"TOPIC":     (*Client).handleTopic,
	"KICK":      (*Client).handleKick,
	"INVITE":    (*Client).handleInvite,
	"AWAY":      (*Client).handleAway,
	"SENDFILE":  (*Client).handleSendfile,
	"ANNOY":     (*Client).handleAnnoy,
	"AUTOREACT": (*Client).handleAutoreact,
	"USERHOST":  (*Client).handleUserhost,
	"QUIT":      (*Client).handleQuit,
}

// preRegistrationCommands may be used before NICK/USER registration
// completes.
var preRegistrationCommands = map[string]bool{
	"NICK": true,
	"USER": true,
	"PING": true,
	"QUIT": true,
	"CAP":  true,
}

// Command parses and runs one IRC command line.
func (c *Client) Command(ctx context.Context, line string) error {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil
	}
	cmd := line
	if i := strings.IndexByte(line, ' '); i != -1 {
		cmd = line[:i]
	}
	cmd = strings.ToUpper(cmd)
	handler, ok := commandHandlers[cmd]
	if !ok {
		log.Infof("Unknown command %s", line)
		return c.sendReply(ErrUnknownCommand, "Unknown command", cmd)
	}
	if !c.Registered() && !preRegistrationCommands[cmd] {
		return c.sendReply(ErrUnknownCommand, "You must register first", cmd)
	}
	return handler(c, ctx, line)
}

// Serve reads IRC command lines until the connection dies or the client
// quits. It always returns a non-nil error, ErrDisconnect in the normal
// case.
func (c *Client) Serve(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := c.Command(ctx, scanner.Text()); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrDisconnect, ctx.Err())
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnect, err)
	}
	return ErrDisconnect
}

func (c *Client) handleNick(ctx context.Context, cmd string) error {
	nick := "localslackirc"
	if _, rest, ok := strings.Cut(cmd, " "); ok {
		nick = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
	}
	c.mu.Lock()
	c.nick = nick
	c.nickReceived = true
	registered := c.registered
	userReceived := c.userReceived
	c.mu.Unlock()
	if registered {
		if nick != c.selfName() {
			return c.sendReply(ErrErroneusNickname, fmt.Sprintf("Incorrect nickname, use %s", c.selfName()))
		}
		return nil
	}
	if userReceived {
		return c.welcome(ctx)
	}
	return nil
}

func (c *Client) handleUser(ctx context.Context, cmd string) error {
	if c.Registered() {
		return nil
	}
	// USER <username> <mode> <unused> :<realname>
	parts := strings.SplitN(cmd, " ", 5)
	c.mu.Lock()
	if len(parts) > 1 {
		c.username = parts[1]
	}
	if len(parts) == 5 {
		c.realname = strings.TrimPrefix(parts[4], ":")
	}
	c.userReceived = true
	ready := c.nickReceived
	c.mu.Unlock()
	if !ready {
		return nil
	}
	return c.welcome(ctx)
}

func (c *Client) handlePing(ctx context.Context, cmd string) error {
	_, token, _ := strings.Cut(cmd, " ")
	host := c.serverName()
	return c.write(fmt.Sprintf(":%s PONG %s %s\r\n", host, host, token))
}

func (c *Client) handleCap(ctx context.Context, cmd string) error {
	// No capabilities are supported.
	return nil
}

func (c *Client) handleJoin(ctx context.Context, cmd string) error {
	_, names, ok := strings.Cut(cmd, " ")
	if !ok {
		return nil
	}
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		c.mu.Lock()
		delete(c.parted, name)
		c.mu.Unlock()

		ch, err := c.sl.GetChannelByName(ctx, strings.TrimPrefix(name, "#"))
		if err != nil {
			if err := c.sendReply(ErrNoSuchChannel, fmt.Sprintf("Unable to find channel: %s", name)); err != nil {
				return err
			}
			continue
		}
		if !ch.IsMember {
			if err := c.sl.Join(ctx, ch.ID); err != nil {
				if err := c.sendReply(ErrNoSuchChannel, fmt.Sprintf("Unable to join server channel: %s", name)); err != nil {
					return err
				}
			}
		}
		if err := c.sendChanInfo(ctx, name, ch.ID, ch.RealTopic()); err != nil {
			if errors.Is(err, ErrDisconnect) {
				return err
			}
			if err := c.sendReply(ErrNoSuchChannel, fmt.Sprintf("Unable to join channel: %s", name)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) handlePart(ctx context.Context, cmd string) error {
	_, name, ok := strings.Cut(cmd, " ")
	if !ok {
		return nil
	}
	name, _, _ = strings.Cut(name, " ")
	c.mu.Lock()
	c.parted[name] = true
	delete(c.knownThreads, name)
	c.mu.Unlock()
	return nil
}

func (c *Client) handlePrivmsg(ctx context.Context, cmd string) error {
	parts := strings.SplitN(cmd, " ", 3)
	if len(parts) < 3 {
		return nil
	}
	dest := parts[1]
	msg := strings.TrimPrefix(parts[2], ":")

	// "/me does something" arrives as a CTCP ACTION
	action := false
	if strings.HasPrefix(msg, "\x01ACTION ") && strings.HasSuffix(msg, "\x01") {
		action = true
		msg = strings.TrimSuffix(strings.TrimPrefix(msg, "\x01ACTION "), "\x01")
	}

	if err := c.SendMessage(ctx, dest, msg, action, false); err != nil {
		if errors.Is(err, ErrDisconnect) {
			return err
		}
		if strings.HasPrefix(dest, "#") {
			return c.sendReply(ErrNoSuchChannel, fmt.Sprintf("Unknown channel %s", dest))
		}
		return c.sendReply(ErrNoSuchNick, fmt.Sprintf("Unknown user %s", dest))
	}
	return nil
}

// SendMessage resolves an IRC destination (known thread channel, #channel
// or nickname) and relays the message. reSendToIRC makes the chat client
// deliver the usual echo back to IRC, for messages that did not originate
// from the IRC client itself.
func (c *Client) SendMessage(ctx context.Context, dest, msg string, action, reSendToIRC bool) error {
	c.mu.Lock()
	thread, isThread := c.knownThreads[dest]
	c.mu.Unlock()

	switch {
	case isThread:
		text, err := c.addMagic(ctx, msg, thread.ID)
		if err != nil {
			return err
		}
		return c.sl.SendMessage(ctx, thread.ID, thread.ThreadTs, text, action, reSendToIRC)
	case strings.HasPrefix(dest, "#"):
		ch, err := c.sl.GetChannelByName(ctx, dest[1:])
		if err != nil {
			return err
		}
		text, err := c.addMagic(ctx, msg, ch.ID)
		if err != nil {
			return err
		}
		return c.sl.SendMessage(ctx, ch.ID, "", text, action, reSendToIRC)
	default:
		u, err := c.sl.GetUserByName(ctx, dest)
		if err != nil {
			return err
		}
		text, err := c.addMagic(ctx, msg, "")
		if err != nil {
			return err
		}
		return c.sl.SendMessageToUser(ctx, u.ID, text, action, reSendToIRC)
	}
}

func (c *Client) handleList(ctx context.Context, cmd string) error {
	channels, err := c.sl.Channels(ctx, true)
	if err != nil {
		return c.sendReply(ErrUnknownCommand, fmt.Sprintf("Unable to list channels: %v", err), "LIST")
	}
	for _, ch := range channels {
		topic, err := c.parseMessage(ctx, ch.RealTopic(), "", "")
		if err != nil {
			continue
		}
		if err := c.sendReply(RplList, oneLine(topic), "#"+ch.Name(), strconv.Itoa(ch.NumMembers)); err != nil {
			return err
		}
	}
	return c.sendReply(RplListEnd, "End of LIST")
}

func (c *Client) handleWho(ctx context.Context, cmd string) error {
	_, name, ok := strings.Cut(cmd, " ")
	if !ok {
		return nil
	}
	host := c.serverName()
	if !strings.HasPrefix(name, "#") {
		u, err := c.sl.GetUserByName(ctx, name)
		if err != nil {
			return nil
		}
		return c.sendReply(RplWhoReply, "0 "+u.RealName(), name, u.Name, "127.0.0.1", host, u.Name, "H")
	}

	ch, err := c.sl.GetChannelByName(ctx, name[1:])
	if err != nil {
		return nil
	}
	members, err := c.sl.GetMembers(ctx, ch.ID)
	if err != nil {
		return nil
	}
	for _, id := range members {
		u, err := c.sl.GetUser(ctx, id)
		if err != nil {
			continue
		}
		if err := c.sendReply(RplWhoReply, "0 "+u.RealName(), name, u.Name, "127.0.0.1", host, u.Name, "H"); err != nil {
			return err
		}
	}
	return c.sendReply(RplEndOfWho, "End of WHO list", name)
}

func (c *Client) handleWhois(ctx context.Context, cmd string) error {
	nicks := strings.Fields(cmd)[1:]
	if len(nicks) != 1 {
		return c.sendReply(ErrUnknownCommand, "Syntax: /whois nickname")
	}
	nick := nicks[0]
	if strings.Contains(nick, "*") {
		return c.sendReply(ErrUnknownCommand, "Wildcards are not supported")
	}
	u, err := c.sl.GetUserByName(ctx, nick)
	if err != nil {
		return c.sendReply(ErrNoSuchNick, fmt.Sprintf("Unknown user %s", nick))
	}
	if err := c.sendReply(RplWhoisUser, u.RealName(), nick, "", "localhost"); err != nil {
		return err
	}
	if u.Profile.Email != "" {
		if err := c.sendReply(RplWhoisUser, fmt.Sprintf("email: %s", u.Profile.Email), nick, "", "localhost"); err != nil {
			return err
		}
	}
	if u.IsAdmin {
		if err := c.sendReply(RplWhoisOperator, fmt.Sprintf("%s is an IRC operator", nick), nick); err != nil {
			return err
		}
	}
	return c.sendReply(RplEndOfWhois, "", nick)
}

func (c *Client) handleMode(ctx context.Context, cmd string) error {
	parts := strings.Fields(cmd)
	if len(parts) < 2 {
		return nil
	}
	target := parts[1]
	if len(parts) == 2 {
		return c.sendReply(RplChannelModeIs, "", target, "+")
	}
	flags := parts[2]
	if strings.HasPrefix(target, "#") {
		switch flags {
		case "+", "":
			return c.sendReply(RplChannelModeIs, "", target, "+")
		case "b", "+b":
			return c.sendReply(RplEndOfBanList, "End of channel ban list", target)
		default:
			return c.sendReply(ErrUnknownMode, fmt.Sprintf("%s is unknown mode char to me", flags), target)
		}
	}
	return c.sendReply(ErrUmodeUnknownFlag, "Unknown MODE flag")
}

func (c *Client) handleTopic(ctx context.Context, cmd string) error {
	parts := strings.SplitN(cmd, " ", 3)
	if len(parts) < 2 {
		return nil
	}
	name := parts[1]
	ch, err := c.sl.GetChannelByName(ctx, strings.TrimPrefix(name, "#"))
	if err != nil {
		return c.sendReply(ErrNoSuchChannel, fmt.Sprintf("Unknown channel: %s", name))
	}
	if len(parts) == 2 {
		if topic := ch.RealTopic(); topic != "" {
			rendered, err := c.parseMessage(ctx, topic, "", "#"+ch.Name())
			if err != nil {
				return err
			}
			return c.sendReply(RplTopic, oneLine(rendered), name)
		}
		return c.sendReply(RplNoTopic, "No topic is set", name)
	}
	topic := strings.TrimPrefix(parts[2], ":")
	if err := c.sl.Topic(ctx, ch.ID, topic); err != nil {
		return c.sendReply(ErrUnknownCommand, fmt.Sprintf("Unable to set topic to %s", topic))
	}
	return nil
}

func (c *Client) handleKick(ctx context.Context, cmd string) error {
	parts := strings.SplitN(cmd, " ", 4)
	if len(parts) < 3 {
		return c.sendReply(ErrUnknownCommand, "Syntax: /kick #channel nickname")
	}
	ch, err := c.sl.GetChannelByName(ctx, strings.TrimPrefix(parts[1], "#"))
	if err != nil {
		return c.sendReply(ErrNoSuchChannel, fmt.Sprintf("Unknown channel: %s", parts[1]))
	}
	u, err := c.sl.GetUserByName(ctx, parts[2])
	if err != nil {
		return c.sendReply(ErrNoSuchNick, fmt.Sprintf("Unknown user: %s", parts[2]))
	}
	if err := c.sl.Kick(ctx, ch.ID, u.ID); err != nil {
		return c.sendReply(ErrUnknownCommand, fmt.Sprintf("Error: %v", err))
	}
	return nil
}

func (c *Client) handleInvite(ctx context.Context, cmd string) error {
	parts := strings.Fields(cmd)
	if len(parts) < 3 {
		return c.sendReply(ErrUnknownCommand, "Syntax: /invite nickname #channel")
	}
	u, err := c.sl.GetUserByName(ctx, parts[1])
	if err != nil {
		return c.sendReply(ErrNoSuchNick, fmt.Sprintf("Unknown user: %s", parts[1]))
	}
	ch, err := c.sl.GetChannelByName(ctx, strings.TrimPrefix(parts[2], "#"))
	if err != nil {
		return c.sendReply(ErrNoSuchChannel, fmt.Sprintf("Unknown channel: %s", parts[2]))
	}
	if err := c.sl.Invite(ctx, ch.ID, u.ID); err != nil {
		return c.sendReply(ErrUnknownCommand, fmt.Sprintf("Error: %v", err))
	}
	return nil
}

func (c *Client) handleAway(ctx context.Context, cmd string) error {
	isAway := strings.Contains(cmd, " ")
	if err := c.sl.Away(ctx, isAway); err != nil {
		return c.sendReply(ErrUnknownCommand, fmt.Sprintf("Unable to change away status: %v", err))
	}
	code := RplUnaway
	if isAway {
		code = RplNowAway
	}
	return c.sendReply(code, "Away status changed")
}

func (c *Client) handleSendfile(ctx context.Context, cmd string) error {
	parts := strings.SplitN(cmd, " ", 3)
	if len(parts) < 3 {
		return c.sendReply(ErrUnknownCommand, "Syntax: /sendfile #channel filename")
	}
	f, err := os.Open(parts[2])
	if err != nil {
		return c.sendReply(ErrFileError, fmt.Sprintf("Unable to open %s: %v", parts[2], err))
	}
	defer f.Close()
	if err := c.SendFile(ctx, parts[1], parts[2], f); err != nil {
		if errors.Is(err, ErrDisconnect) {
			return err
		}
		return c.sendReply(ErrFileError, fmt.Sprintf("Unable to send file: %v", err))
	}
	return c.sendReply(0, "Upload completed")
}

// SendFile resolves an IRC destination the same way SendMessage does and
// streams the content as a file upload.
func (c *Client) SendFile(ctx context.Context, dest, filename string, content io.Reader) error {
	c.mu.Lock()
	thread, isThread := c.knownThreads[dest]
	c.mu.Unlock()

	var channel, threadTs string
	switch {
	case isThread:
		channel, threadTs = thread.ID, thread.ThreadTs
	case strings.HasPrefix(dest, "#"):
		ch, err := c.sl.GetChannelByName(ctx, dest[1:])
		if err != nil {
			return err
		}
		channel = ch.ID
	default:
		u, err := c.sl.GetUserByName(ctx, dest)
		if err != nil {
			return err
		}
		channel = u.ID
	}
	return c.sl.SendFile(ctx, channel, threadTs, filename, content)
}

func (c *Client) handleAnnoy(ctx context.Context, cmd string) error {
	fields := strings.Fields(cmd)[1:]
	if len(fields) == 0 || len(fields) > 2 {
		return c.sendReply(ErrUnknownCommand, "Syntax: /annoy user [duration]")
	}
	duration := 10
	if len(fields) == 2 {
		d, err := strconv.Atoi(fields[1])
		if err != nil {
			return c.sendReply(ErrUnknownCommand, "Syntax: /annoy user [duration]")
		}
		if d < 0 {
			d = -d
		}
		duration = d
	}
	u, err := c.sl.GetUserByName(ctx, fields[0])
	if err != nil {
		return c.sendReply(ErrNoSuchNick, fmt.Sprintf("Unable to find user: %s", fields[0]))
	}
	c.sl.AddAnnoy(u.ID, time.Duration(duration)*time.Minute)
	return c.sendReply(0, fmt.Sprintf("Will annoy %s for %d minutes", fields[0], duration))
}

func (c *Client) handleAutoreact(ctx context.Context, cmd string) error {
	fields := strings.Fields(cmd)[1:]
	if len(fields) < 2 || len(fields) > 4 {
		return c.sendReply(ErrUnknownCommand, "Syntax: /autoreact user reaction [probability] [duration]")
	}
	u, err := c.sl.GetUserByName(ctx, fields[0])
	if err != nil {
		return c.sendReply(ErrNoSuchNick, fmt.Sprintf("Unable to find user: %s", fields[0]))
	}
	reaction := strings.Trim(fields[1], ":")
	if reaction == "-" {
		c.sl.DropAutoreactions(u.ID)
		return c.sendReply(0, fmt.Sprintf("No longer autoreacting to %s", fields[0]))
	}
	probability := 1.0
	duration := 10
	if len(fields) > 2 {
		p, err := strconv.ParseFloat(fields[2], 64)
		if err != nil || p < 0 || p > 1 {
			return c.sendReply(ErrUnknownCommand, "Probability must be between 0 and 1")
		}
		probability = p
	}
	if len(fields) > 3 {
		d, err := strconv.Atoi(fields[3])
		if err != nil {
			return c.sendReply(ErrUnknownCommand, "Syntax: /autoreact user reaction [probability] [duration]")
		}
		if d < 0 {
			d = -d
		}
		duration = d
	}
	c.sl.AddAutoreaction(u.ID, reaction, probability, time.Duration(duration)*time.Minute)
	return c.sendReply(0, fmt.Sprintf("Will react with :%s: to %s for %d minutes", reaction, fields[0], duration))
}

func (c *Client) handleUserhost(ctx context.Context, cmd string) error {
	nicks := strings.Fields(cmd)[1:]
	replies := make([]string, len(nicks))
	for i, nick := range nicks {
		replies[i] = nick + "=+127.0.0.1"
	}
	return c.sendReply(RplUserhost, "", replies...)
}

func (c *Client) handleQuit(ctx context.Context, cmd string) error {
	return ErrDisconnect
}
