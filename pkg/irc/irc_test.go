package irc

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insomniacslk/localslackirc/pkg/slack"
)

type sentMessage struct {
	channel     string
	threadTs    string
	text        string
	action      bool
	reSendToIRC bool
}

type sentFile struct {
	channel  string
	threadTs string
	filename string
	content  string
}

type fakeSlack struct {
	info     *slack.LoginInfo
	users    map[string]slack.User
	channels []slack.Channel
	members  map[string][]string
	threads  map[string]slack.MessageThread

	onChannels func()

	sent      []sentMessage
	files     []sentFile
	joined    []string
	kicked    [][2]string
	invited   [][2]string
	topics    map[string]string
	annoyed   map[string]time.Duration
	reactions map[string]string
	dropped   []string
	away      []bool
}

func newFakeSlack() *fakeSlack {
	return &fakeSlack{
		info: &slack.LoginInfo{
			Team: slack.Team{ID: "T1", Name: "test", Domain: "testdomain"},
			Self: slack.Self{ID: "U1", Name: "sal"},
		},
		users: map[string]slack.User{
			"U1": {ID: "U1", Name: "sal", Profile: slack.Profile{RealName: "Salvatore"}},
			"U2": {ID: "U2", Name: "bob", IsAdmin: true, Profile: slack.Profile{RealName: "Bob Lazy", Email: "bob@example.com"}},
			"U3": {ID: "U3", Name: "carla", Profile: slack.Profile{RealName: "Carla"}},
		},
		channels: []slack.Channel{
			{ID: "C1", NameNormalized: "general", IsMember: true, IsChannel: true, NumMembers: 2, Topic: slack.Topic{Value: "chan topic"}},
			{ID: "C2", NameNormalized: "random", IsChannel: true, NumMembers: 1},
		},
		members: map[string][]string{
			"C1": {"U1", "U2"},
		},
		threads:   make(map[string]slack.MessageThread),
		topics:    make(map[string]string),
		annoyed:   make(map[string]time.Duration),
		reactions: make(map[string]string),
	}
}

func (f *fakeSlack) LoginInfo() *slack.LoginInfo { return f.info }

func (f *fakeSlack) SendMessage(ctx context.Context, channel, threadTs, text string, action, reSendToIRC bool) error {
	f.sent = append(f.sent, sentMessage{channel, threadTs, text, action, reSendToIRC})
	return nil
}

func (f *fakeSlack) SendMessageToUser(ctx context.Context, userID, text string, action, reSendToIRC bool) error {
	f.sent = append(f.sent, sentMessage{userID, "", text, action, reSendToIRC})
	return nil
}

func (f *fakeSlack) SendFile(ctx context.Context, channel, threadTs, filename string, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.files = append(f.files, sentFile{channel, threadTs, filename, string(data)})
	return nil
}

func (f *fakeSlack) Away(ctx context.Context, away bool) error {
	f.away = append(f.away, away)
	return nil
}

func (f *fakeSlack) Join(ctx context.Context, channel string) error {
	f.joined = append(f.joined, channel)
	return nil
}

func (f *fakeSlack) Kick(ctx context.Context, channel, user string) error {
	f.kicked = append(f.kicked, [2]string{channel, user})
	return nil
}

func (f *fakeSlack) Invite(ctx context.Context, channel, user string) error {
	f.invited = append(f.invited, [2]string{channel, user})
	return nil
}

func (f *fakeSlack) Topic(ctx context.Context, channel, topic string) error {
	f.topics[channel] = topic
	return nil
}

func (f *fakeSlack) Channels(ctx context.Context, refresh bool) ([]slack.Channel, error) {
	if f.onChannels != nil {
		f.onChannels()
	}
	return f.channels, nil
}

func (f *fakeSlack) GetChannel(ctx context.Context, id string) (slack.Channel, error) {
	for _, ch := range f.channels {
		if ch.ID == id {
			return ch, nil
		}
	}
	return slack.Channel{}, slack.ErrNotFound
}

func (f *fakeSlack) GetChannelByName(ctx context.Context, name string) (slack.Channel, error) {
	for _, ch := range f.channels {
		if ch.Name() == name {
			return ch, nil
		}
	}
	return slack.Channel{}, slack.ErrNotFound
}

func (f *fakeSlack) GetUser(ctx context.Context, id string) (slack.User, error) {
	u, ok := f.users[id]
	if !ok {
		return slack.User{}, slack.ErrNotFound
	}
	return u, nil
}

func (f *fakeSlack) GetUserByName(ctx context.Context, name string) (slack.User, error) {
	for _, u := range f.users {
		if u.Name == name {
			return u, nil
		}
	}
	return slack.User{}, slack.ErrNotFound
}

func (f *fakeSlack) PrefetchUsers(ctx context.Context) error { return nil }

func (f *fakeSlack) GetMembers(ctx context.Context, channel string) ([]string, error) {
	return f.members[channel], nil
}

func (f *fakeSlack) GetThread(ctx context.Context, threadTs, channel string) (slack.MessageThread, error) {
	if t, ok := f.threads[threadTs]; ok {
		return t, nil
	}
	ch, err := f.GetChannel(ctx, channel)
	if err != nil {
		return slack.MessageThread{}, err
	}
	return slack.MessageThread{Channel: ch, ThreadTs: threadTs}, nil
}

func (f *fakeSlack) AddAnnoy(userID string, d time.Duration) {
	f.annoyed[userID] = d
}

func (f *fakeSlack) AddAutoreaction(userID, reaction string, probability float64, d time.Duration) {
	f.reactions[userID] = reaction
}

func (f *fakeSlack) DropAutoreactions(userID string) {
	f.dropped = append(f.dropped, userID)
}

func newTestClient(t *testing.T) (*Client, *fakeSlack, *bytes.Buffer) {
	t.Helper()
	fake := newFakeSlack()
	buf := &bytes.Buffer{}
	settings := Settings{
		AutoJoin:           true,
		DownloadsDirectory: t.TempDir(),
	}
	require.NoError(t, settings.Verify())
	return NewClient(buf, fake, settings), fake, buf
}

func register(t *testing.T, c *Client, buf *bytes.Buffer) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Command(ctx, "NICK sal"))
	require.NoError(t, c.Command(ctx, "USER sal 8 * :Salvatore"))
	require.True(t, c.Registered())
	buf.Reset()
}

func TestRegistrationGate(t *testing.T) {
	c, fake, buf := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "PRIVMSG #general :hi"))
	assert.Contains(t, buf.String(), "421")
	assert.Contains(t, buf.String(), "You must register first")
	assert.Empty(t, fake.sent)
	buf.Reset()

	require.NoError(t, c.Command(ctx, "NICK sal"))
	require.NoError(t, c.Command(ctx, "USER sal 8 * :Salvatore"))
	out := buf.String()
	assert.Contains(t, out, "001 sal :Welcome to localslackirc")
	assert.Contains(t, out, "Your team name is: test")
	assert.Contains(t, out, ":sal!sal@127.0.0.1 JOIN #general")
	assert.Contains(t, out, "366 sal #general :End of NAMES list")
	// Not a member of #random
	assert.NotContains(t, out, "JOIN #random")
}

func TestForcedNickChange(t *testing.T) {
	c, _, buf := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "NICK salvo"))
	require.NoError(t, c.Command(ctx, "USER salvo 8 * :Salvatore"))
	out := buf.String()
	assert.Contains(t, out, "432")
	assert.Contains(t, out, "Incorrect nickname, use sal")
	assert.Contains(t, out, ":salvo!salvo@127.0.0.1 NICK :sal")
}

func TestPing(t *testing.T) {
	c, _, buf := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Command(ctx, "PING :12345"))
	assert.Contains(t, buf.String(), ":testdomain PONG testdomain :12345")
}

func TestPrivmsgChannel(t *testing.T) {
	c, fake, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "PRIVMSG #general :hello world"))
	require.Len(t, fake.sent, 1)
	assert.Equal(t, sentMessage{channel: "C1", text: "hello world"}, fake.sent[0])
}

func TestPrivmsgAction(t *testing.T) {
	c, fake, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "PRIVMSG bob :\x01ACTION waves\x01"))
	require.Len(t, fake.sent, 1)
	assert.Equal(t, "U2", fake.sent[0].channel)
	assert.Equal(t, "waves", fake.sent[0].text)
	assert.True(t, fake.sent[0].action)
	assert.False(t, fake.sent[0].reSendToIRC)
}

func TestPrivmsgUnknownTarget(t *testing.T) {
	c, fake, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "PRIVMSG #nosuch :hi"))
	assert.Contains(t, buf.String(), "403")
	buf.Reset()
	require.NoError(t, c.Command(ctx, "PRIVMSG nobody :hi"))
	assert.Contains(t, buf.String(), "401")
	assert.Empty(t, fake.sent)
}

func TestAddMagicRewrites(t *testing.T) {
	c, fake, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "PRIVMSG #general :tell bob: a<b & c @here"))
	require.Len(t, fake.sent, 1)
	assert.Equal(t, "tell <@U2>: a&lt;b &amp; c <!here>", fake.sent[0].text)
}

func TestAddMagicSkipsURLs(t *testing.T) {
	c, fake, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "PRIVMSG #general :see http://example.com/bob please"))
	require.Len(t, fake.sent, 1)
	assert.Equal(t, "see http://example.com/bob please", fake.sent[0].text)
}

func TestMessageDelivery(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.SlackEvent(ctx, slack.Message{Channel: "C1", User: "U2", Text: "hi there", Ts: "1.0"}))
	assert.Contains(t, buf.String(), ":bob!bob@127.0.0.1 PRIVMSG #general :hi there\r\n")
}

func TestIMDelivery(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.SlackEvent(ctx, slack.Message{Channel: "D99", User: "U3", Text: "I say: hi", Ts: "1.0"}))
	assert.Contains(t, buf.String(), ":carla!carla@127.0.0.1 PRIVMSG sal :I say: hi\r\n")
}

func TestActionDelivery(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.SlackEvent(ctx, slack.ActionMessage{Channel: "C1", User: "U2", Text: "dances", Ts: "1.0"}))
	assert.Contains(t, buf.String(), ":bob!bob@127.0.0.1 PRIVMSG #general :\x01ACTION dances\x01\r\n")
}

func TestDeletedPrefix(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.SlackEvent(ctx, slack.MessageDelete{Channel: "C1", User: "U2", Text: "oops", Ts: "1.0"}))
	assert.Contains(t, buf.String(), "PRIVMSG #general :[deleted] oops")
}

func TestBotMessagePrefix(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.SlackEvent(ctx, slack.MessageBot{Channel: "C1", Username: "cibot", Text: "build done"}))
	assert.Contains(t, buf.String(), ":bot!bot@127.0.0.1 PRIVMSG #general :[cibot] build done")
}

func TestEditRendering(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.SlackEvent(ctx, slack.MessageEdit{
		Channel:  "C1",
		Previous: slack.NoChanMessage{User: "U2", Text: "vado a dormire al mare", Ts: "1.0"},
		Current:  slack.NoChanMessage{User: "U2", Text: "vado a nuotare al mare", Ts: "1.0"},
	}))
	assert.Contains(t, buf.String(), ":bob!bob@127.0.0.1 PRIVMSG #general :s/dormire/nuotare/")
}

func TestUnchangedEditDropped(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.SlackEvent(ctx, slack.MessageEdit{
		Channel:  "C1",
		Previous: slack.NoChanMessage{User: "U2", Text: "same", Ts: "1.0"},
		Current:  slack.NoChanMessage{User: "U2", Text: "same", Ts: "1.0"},
	}))
	assert.Empty(t, buf.String())
}

func TestThreadSynthesis(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.SlackEvent(ctx, slack.Message{Channel: "C1", User: "U2", Text: "in thread", Ts: "2.0", ThreadTs: "1000.1"}))
	out := buf.String()
	assert.Contains(t, out, ":sal!sal@127.0.0.1 JOIN #t-general-1000.1")
	assert.Contains(t, out, ":bob!bob@127.0.0.1 PRIVMSG #t-general-1000.1 :in thread")

	// The synthetic channel is joined only once.
	buf.Reset()
	require.NoError(t, c.SlackEvent(ctx, slack.Message{Channel: "C1", User: "U2", Text: "more", Ts: "3.0", ThreadTs: "1000.1"}))
	out = buf.String()
	assert.NotContains(t, out, "JOIN")
	assert.Contains(t, out, "PRIVMSG #t-general-1000.1 :more")
}

func TestPartedThreadSuppression(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.SlackEvent(ctx, slack.Message{Channel: "C1", User: "U2", Text: "root msg", Ts: "2.0", ThreadTs: "1000.1"}))
	require.NoError(t, c.Command(ctx, "PART #t-general-1000.1"))
	buf.Reset()

	require.NoError(t, c.SlackEvent(ctx, slack.Message{Channel: "C1", User: "U2", Text: "ignored", Ts: "3.0", ThreadTs: "1000.1"}))
	assert.Empty(t, buf.String())

	// A mention rejoins the thread channel.
	require.NoError(t, c.SlackEvent(ctx, slack.Message{Channel: "C1", User: "U2", Text: "ping <@U1>", Ts: "4.0", ThreadTs: "1000.1"}))
	assert.Contains(t, buf.String(), "PRIVMSG #t-general-1000.1")
}

func TestPartedChannelSuppression(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "PART #general"))
	buf.Reset()

	require.NoError(t, c.SlackEvent(ctx, slack.Message{Channel: "C1", User: "U2", Text: "nobody listens", Ts: "1.0"}))
	assert.Empty(t, buf.String())

	// Mention rejoins the channel and delivers the message.
	require.NoError(t, c.SlackEvent(ctx, slack.Message{Channel: "C1", User: "U2", Text: "hey <@U1>", Ts: "2.0"}))
	out := buf.String()
	assert.Contains(t, out, "JOIN #general")
	assert.Contains(t, out, "PRIVMSG #general")

	// After the rejoin, traffic flows again without mentions.
	buf.Reset()
	require.NoError(t, c.SlackEvent(ctx, slack.Message{Channel: "C1", User: "U2", Text: "normal again", Ts: "3.0"}))
	assert.Contains(t, buf.String(), "PRIVMSG #general :normal again")
}

func TestHeldEvents(t *testing.T) {
	c, _, buf := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SlackEvent(ctx, slack.Message{Channel: "C1", User: "U2", Text: "early bird", Ts: "1.0"}))
	assert.Empty(t, buf.String())

	require.NoError(t, c.Command(ctx, "NICK sal"))
	require.NoError(t, c.Command(ctx, "USER sal 8 * :Salvatore"))
	assert.Contains(t, buf.String(), "PRIVMSG #general :early bird")
}

func TestEventDuringWelcomeStaysOrdered(t *testing.T) {
	c, fake, buf := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SlackEvent(ctx, slack.Message{Channel: "C1", User: "U2", Text: "first", Ts: "1.0"}))

	// An event landing in the middle of the welcome must queue behind the
	// earlier one instead of overtaking it.
	fake.onChannels = func() {
		require.NoError(t, c.SlackEvent(ctx, slack.Message{Channel: "C1", User: "U2", Text: "second", Ts: "2.0"}))
	}

	require.NoError(t, c.Command(ctx, "NICK sal"))
	require.NoError(t, c.Command(ctx, "USER sal 8 * :Salvatore"))

	out := buf.String()
	welcome := strings.Index(out, "001 sal")
	first := strings.Index(out, "PRIVMSG #general :first")
	second := strings.Index(out, "PRIVMSG #general :second")
	require.NotEqual(t, -1, welcome)
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	assert.Less(t, welcome, first)
	assert.Less(t, first, second)
}

func TestFileUploadRendering(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.SlackEvent(ctx, slack.Message{
		Channel: "C1", User: "U2", Text: "here you go", Ts: "1.0",
		Files: []slack.File{{Name: "x.txt", Mimetype: "text/plain", Size: 12, URLPrivate: "https://files.example.com/x.txt"}},
	}))
	out := buf.String()
	assert.Contains(t, out, "PRIVMSG #general :here you go")
	assert.Contains(t, out, "PRIVMSG #general :[file upload] x.txt")
	assert.Contains(t, out, "PRIVMSG #general :text/plain 12 bytes")
	assert.Contains(t, out, "PRIVMSG #general :https://files.example.com/x.txt")
}

func TestJoinLeaveEvents(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.SlackEvent(ctx, slack.Join{User: "U2", Channel: "C1"}))
	assert.Contains(t, buf.String(), ":bob!Bob_Lazy@127.0.0.1 JOIN :#general")
	buf.Reset()
	require.NoError(t, c.SlackEvent(ctx, slack.Leave{User: "U2", Channel: "C1"}))
	assert.Contains(t, buf.String(), ":bob!Bob_Lazy@127.0.0.1 PART #general")
}

func TestTopicChangeEvent(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.SlackEvent(ctx, slack.TopicChange{Channel: "C1", Topic: "fresh topic", User: "U2"}))
	assert.Contains(t, buf.String(), "332 sal #general :fresh topic")
}

func TestGroupJoinedEvent(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	ch := slack.Channel{ID: "C3", NameNormalized: "newchan", IsMember: true, IsChannel: true}
	c.sl.(*fakeSlack).channels = append(c.sl.(*fakeSlack).channels, ch)
	require.NoError(t, c.SlackEvent(ctx, slack.GroupJoined{Channel: ch}))
	assert.Contains(t, buf.String(), "JOIN #newchan")
}

func TestParseMessageSpecials(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	out, err := c.parseMessage(ctx, "hello <@U2> in <#C1|general> <!channel> hi", "", "")
	require.NoError(t, err)
	assert.Equal(t, "hello bob in #general YELLING LOUDER [sal]: hi", out)

	out, err = c.parseMessage(ctx, "gone <#C99|nowhere>", "", "")
	require.NoError(t, err)
	assert.Equal(t, "gone #ERROR_MISSING_CHANNEL", out)
}

func TestParseMessageSilencedYellers(t *testing.T) {
	fake := newFakeSlack()
	buf := &bytes.Buffer{}
	settings := Settings{
		AutoJoin:           true,
		SilencedYellers:    map[string]bool{"bob": true},
		DownloadsDirectory: t.TempDir(),
	}
	c := NewClient(buf, fake, settings)
	ctx := context.Background()

	out, err := c.parseMessage(ctx, "<!here> folks", "bob", "#general")
	require.NoError(t, err)
	assert.Equal(t, "yelling: folks", out)
}

func TestParseMessageLinks(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	out, err := c.parseMessage(ctx, "check <http://a.example|docs> and <http://c.example>", "", "")
	require.NoError(t, err)
	assert.Equal(t, "check docs¹ and http://c.example\n  ¹ http://a.example", out)
}

func TestParseMessagePreblockSpill(t *testing.T) {
	fake := newFakeSlack()
	buf := &bytes.Buffer{}
	dir := t.TempDir()
	settings := Settings{
		AutoJoin:           true,
		DownloadsDirectory: dir,
		FormattedMaxLines:  2,
	}
	c := NewClient(buf, fake, settings)
	ctx := context.Background()

	out, err := c.parseMessage(ctx, "```a\nb\nc\nd```", "", "")
	require.NoError(t, err)
	assert.Contains(t, out, " === PREFORMATTED TEXT AT file://")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	content, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\nd", string(content))

	// Short blocks stay inline.
	out, err = c.parseMessage(ctx, "```a\nb```", "", "")
	require.NoError(t, err)
	assert.Equal(t, "```a\nb```", out)
}

func TestListCommand(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "LIST"))
	out := buf.String()
	assert.Contains(t, out, "322 sal #general 2 :chan topic")
	assert.Contains(t, out, "322 sal #random 1 :")
	assert.Contains(t, out, "323 sal :End of LIST")
}

func TestWhoCommand(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "WHO #general"))
	out := buf.String()
	assert.Contains(t, out, "352 sal #general bob 127.0.0.1 testdomain bob H :0 Bob Lazy")
	assert.Contains(t, out, "315 sal #general :End of WHO list")
}

func TestWhoisCommand(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "WHOIS bob"))
	out := buf.String()
	assert.Contains(t, out, "311 sal bob  localhost :Bob Lazy")
	assert.Contains(t, out, "email: bob@example.com")
	assert.Contains(t, out, "313 sal bob :bob is an IRC operator")
	assert.Contains(t, out, "318 sal bob :")

	buf.Reset()
	require.NoError(t, c.Command(ctx, "WHOIS b*b"))
	assert.Contains(t, buf.String(), "Wildcards are not supported")
}

func TestModeReplies(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "MODE #general"))
	assert.Contains(t, buf.String(), "324 sal #general + :")
	buf.Reset()
	require.NoError(t, c.Command(ctx, "MODE #general +b"))
	assert.Contains(t, buf.String(), "368 sal #general :End of channel ban list")
	buf.Reset()
	require.NoError(t, c.Command(ctx, "MODE #general +X"))
	assert.Contains(t, buf.String(), "472")
	buf.Reset()
	require.NoError(t, c.Command(ctx, "MODE sal +i"))
	assert.Contains(t, buf.String(), "501 sal :Unknown MODE flag")
}

func TestTopicCommand(t *testing.T) {
	c, fake, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "TOPIC #general"))
	assert.Contains(t, buf.String(), "332 sal #general :chan topic")
	buf.Reset()

	require.NoError(t, c.Command(ctx, "TOPIC #random"))
	assert.Contains(t, buf.String(), "331 sal #random :No topic is set")
	buf.Reset()

	require.NoError(t, c.Command(ctx, "TOPIC #general :new stuff"))
	assert.Equal(t, "new stuff", fake.topics["C1"])

	// Topics go through message translation like any other incoming text.
	buf.Reset()
	fake.channels = append(fake.channels, slack.Channel{
		ID: "C3", NameNormalized: "support", IsChannel: true,
		Topic: slack.Topic{Value: "ask <@U2>\nbefore filing"},
	})
	require.NoError(t, c.Command(ctx, "TOPIC #support"))
	assert.Contains(t, buf.String(), "332 sal #support :ask bob | before filing")
}

func TestKickInvite(t *testing.T) {
	c, fake, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "KICK #general bob :bye"))
	require.Len(t, fake.kicked, 1)
	assert.Equal(t, [2]string{"C1", "U2"}, fake.kicked[0])

	require.NoError(t, c.Command(ctx, "INVITE carla #general"))
	require.Len(t, fake.invited, 1)
	assert.Equal(t, [2]string{"C1", "U3"}, fake.invited[0])
}

func TestAwayCommand(t *testing.T) {
	c, fake, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "AWAY :lunch"))
	assert.Contains(t, buf.String(), "306")
	buf.Reset()
	require.NoError(t, c.Command(ctx, "AWAY"))
	assert.Contains(t, buf.String(), "305")
	assert.Equal(t, []bool{true, false}, fake.away)
}

func TestSendfileCommand(t *testing.T) {
	c, fake, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "upload.txt")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	require.NoError(t, c.Command(ctx, "SENDFILE #general "+path))
	require.Len(t, fake.files, 1)
	assert.Equal(t, "C1", fake.files[0].channel)
	assert.Equal(t, path, fake.files[0].filename)
	assert.Equal(t, "payload", fake.files[0].content)
	assert.Contains(t, buf.String(), "Upload completed")
}

func TestAnnoyCommand(t *testing.T) {
	c, fake, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "ANNOY bob 5"))
	assert.Equal(t, 5*time.Minute, fake.annoyed["U2"])
	assert.Contains(t, buf.String(), "Will annoy bob for 5 minutes")
}

func TestAutoreactCommand(t *testing.T) {
	c, fake, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "AUTOREACT bob :+1: 0.5 15"))
	assert.Equal(t, "+1", fake.reactions["U2"])
	assert.Contains(t, buf.String(), "Will react with :+1: to bob for 15 minutes")
	buf.Reset()

	require.NoError(t, c.Command(ctx, "AUTOREACT bob -"))
	assert.Equal(t, []string{"U2"}, fake.dropped)
	assert.Contains(t, buf.String(), "No longer autoreacting to bob")
}

func TestUserhostCommand(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	require.NoError(t, c.Command(ctx, "USERHOST sal bob"))
	assert.Contains(t, buf.String(), "sal=+127.0.0.1 bob=+127.0.0.1")
}

func TestQuitDisconnects(t *testing.T) {
	c, _, buf := newTestClient(t)
	register(t, c, buf)
	ctx := context.Background()

	err := c.Command(ctx, "QUIT :bye")
	assert.ErrorIs(t, err, ErrDisconnect)
}
