// Package slack is the chat side of the bridge: Web API calls over the
// pooled HTTP transport, the RTM websocket event stream, entity caches
// with invalidation, history replay and status persistence.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/coredhcp/coredhcp/logger"
	"github.com/gorilla/websocket"

	"github.com/insomniacslk/localslackirc/pkg/transport"
)

var log = logger.GetLogger("slack")

const (
	// APIBaseURL is where all Web API methods live.
	APIBaseURL = "https://slack.com/api/"

	// sentBySelfTTL is how long an outgoing message timestamp is kept
	// around to suppress its RTM echo.
	sentBySelfTTL = 10 * time.Second

	// paginationLimit is the page size for cursor-driven list methods.
	paginationLimit = 1000

	maxBackoff     = 120 * time.Second
	initialBackoff = time.Second

	// replayWindow caps how far back history replay goes at startup.
	replayWindow = 4 * 24 * time.Hour
)

// ErrNotFound is returned when a user, channel or IM lookup comes up empty.
var ErrNotFound = errors.New("no such entry")

// ResponseError is a Web API response with ok=false.
type ResponseError struct {
	Method string
	Reason string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Reason)
}

// apiClient is the part of the HTTP transport the client uses. Tests
// substitute a fake.
type apiClient interface {
	Post(ctx context.Context, key, path string, headers map[string]string, fields map[string]transport.Field) (*transport.Response, error)
	Close()
}

// wsConn is the part of the websocket connection the client uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

func dialWebsocket(ctx context.Context, url string) (wsConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// status is the persisted state blob. It round-trips through GetStatus and
// NewClient.
type status struct {
	LastTimestamp float64                   `json:"last_timestamp"`
	Autoreactions map[string][]Autoreaction `json:"autoreactions"`
	Annoy         map[string]float64        `json:"annoy"`
}

// Client is a Slack session. All methods are safe for concurrent use; the
// IRC server, the control socket and the event pump share one Client.
type Client struct {
	api    apiClient
	dialWS func(ctx context.Context, url string) (wsConn, error)
	token  string
	cookie string

	mu         sync.Mutex
	loginInfo  *LoginInfo
	ws         wsConn
	wsWriteMu  sync.Mutex
	wsCounter  int64
	users      map[string]User
	userIDs    map[string]string // name -> id
	chans      []Channel
	chansValid bool
	members    map[string]map[string]bool
	ims        []IM
	imsValid   bool
	sentBySelf map[string]time.Time
	pending    []Event
	lastTs     string
	lastTsF    float64
	reactions  map[string][]Autoreaction
	annoy      map[string]float64
	backoff    time.Duration

	// wsblock delays inbound frame processing while a send is in
	// flight, so the send's timestamp lands in sentBySelf before its
	// echo can be read.
	wsblock sync.WaitGroup
}

// NewClient creates a session from a token, an optional cookie (required
// for xoxc tokens) and an optional status blob from a previous run.
func NewClient(token, cookie string, statusBlob []byte) (*Client, error) {
	api, err := transport.New(APIBaseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		api:        api,
		dialWS:     dialWebsocket,
		token:      token,
		cookie:     cookie,
		users:      make(map[string]User),
		userIDs:    make(map[string]string),
		members:    make(map[string]map[string]bool),
		sentBySelf: make(map[string]time.Time),
		reactions:  make(map[string][]Autoreaction),
		annoy:      make(map[string]float64),
		backoff:    initialBackoff,
	}
	if len(statusBlob) > 0 {
		var st status
		if err := json.Unmarshal(statusBlob, &st); err != nil {
			return nil, fmt.Errorf("cannot load status: %w", err)
		}
		c.lastTsF = st.LastTimestamp
		if st.Autoreactions != nil {
			c.reactions = st.Autoreactions
		}
		if st.Annoy != nil {
			c.annoy = st.Annoy
		}
	}
	return c, nil
}

// GetStatus serializes the state to persist across runs.
func (c *Client) GetStatus() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Marshal(status{
		LastTimestamp: c.lastTsF,
		Autoreactions: c.reactions,
		Annoy:         c.annoy,
	})
}

// call POSTs a Web API method and decodes the response into out (when not
// nil). The pool key groups calls of one long-running task onto one
// keep-alive connection.
func (c *Client) call(ctx context.Context, key, method string, fields map[string]transport.Field, out any) error {
	headers := map[string]string{
		"Authorization": "Bearer " + c.token,
	}
	if c.cookie != "" {
		headers["Cookie"] = c.cookie
	}
	resp, err := c.api.Post(ctx, key, method, headers, fields)
	if err != nil {
		return err
	}
	var head struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := resp.JSON(&head); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if !head.OK {
		return &ResponseError{Method: method, Reason: head.Error}
	}
	if out != nil {
		return resp.JSON(out)
	}
	return nil
}

// Login authenticates, opens the RTM websocket and replays any history
// missed since the persisted timestamp.
func (c *Client) Login(ctx context.Context) error {
	var info LoginInfo
	if err := c.call(ctx, "rtm", "rtm.connect", nil, &info); err != nil {
		return err
	}
	ws, err := c.dialWS(ctx, info.URL)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.ws != nil {
		c.ws.Close()
	}
	c.ws = ws
	c.loginInfo = &info
	c.backoff = initialBackoff
	c.mu.Unlock()
	log.Infof("Logged into team %s as %s", info.Team.Name, info.Self.Name)
	c.replayHistory(ctx)
	return nil
}

// LoginInfo returns the identity obtained at login, or nil before Login.
func (c *Client) LoginInfo() *LoginInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginInfo
}

// Close shuts down the websocket and the HTTP connection pool.
func (c *Client) Close() {
	c.mu.Lock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.mu.Unlock()
	c.api.Close()
}

// Away sets or clears the away presence.
func (c *Client) Away(ctx context.Context, away bool) error {
	presence := "auto"
	if away {
		presence = "away"
	}
	return c.call(ctx, "send", "users.setPresence", map[string]transport.Field{
		"presence": {Value: presence},
	}, nil)
}

// Typing sends a typing notification for the channel over the websocket.
func (c *Client) Typing(channel string) error {
	c.mu.Lock()
	ws := c.ws
	c.wsCounter++
	id := c.wsCounter
	c.mu.Unlock()
	if ws == nil {
		return errors.New("not connected")
	}
	frame, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    "typing",
		"channel": channel,
	})
	if err != nil {
		return err
	}
	c.wsWriteMu.Lock()
	defer c.wsWriteMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, frame)
}

// SendMessage posts text to a channel, optionally inside a thread and
// optionally as a me-message. When reSendToIRC is false the server
// timestamp is recorded so the RTM echo gets suppressed.
func (c *Client) SendMessage(ctx context.Context, channel, threadTs, text string, action, reSendToIRC bool) error {
	c.wsblock.Add(1)
	defer c.wsblock.Done()

	method := "chat.postMessage"
	if action {
		method = "chat.meMessage"
	}
	fields := map[string]transport.Field{
		"channel": {Value: channel},
		"text":    {Value: text},
	}
	if threadTs != "" {
		fields["thread_ts"] = transport.Field{Value: threadTs}
	}
	var out struct {
		Ts string `json:"ts"`
	}
	if err := c.call(ctx, "send", method, fields, &out); err != nil {
		return err
	}
	if !reSendToIRC {
		c.mu.Lock()
		c.sentBySelf[out.Ts] = time.Now()
		c.mu.Unlock()
	}
	return nil
}

// SendMessageToUser opens the IM with the user if needed and sends there.
func (c *Client) SendMessageToUser(ctx context.Context, userID, text string, action, reSendToIRC bool) error {
	im, err := c.imByUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	var channel string
	if im != nil {
		channel = im.ID
	} else {
		var out struct {
			Channel struct {
				ID string `json:"id"`
			} `json:"channel"`
		}
		err := c.call(ctx, "send", "conversations.open", map[string]transport.Field{
			"users":     {Value: userID},
			"return_im": {Value: "true"},
		}, &out)
		if err != nil {
			return err
		}
		channel = out.Channel.ID
		c.mu.Lock()
		c.ims = append(c.ims, IM{ID: channel, User: userID})
		c.mu.Unlock()
	}
	return c.SendMessage(ctx, channel, "", text, action, reSendToIRC)
}

// SendFile uploads a file to a channel, optionally inside a thread.
func (c *Client) SendFile(ctx context.Context, channel, threadTs, filename string, content io.Reader) error {
	c.wsblock.Add(1)
	defer c.wsblock.Done()

	fields := map[string]transport.Field{
		"channels": {Value: channel},
		"file":     {Reader: content, Filename: filename},
		"filename": {Value: filename},
	}
	if threadTs != "" {
		fields["thread_ts"] = transport.Field{Value: threadTs}
	}
	return c.call(ctx, "send", "files.upload", fields, nil)
}

// Join joins a channel.
func (c *Client) Join(ctx context.Context, channel string) error {
	return c.call(ctx, "send", "conversations.join", map[string]transport.Field{
		"channel": {Value: channel},
	}, nil)
}

// Kick removes a user from a channel.
func (c *Client) Kick(ctx context.Context, channel, user string) error {
	return c.call(ctx, "send", "conversations.kick", map[string]transport.Field{
		"channel": {Value: channel},
		"user":    {Value: user},
	}, nil)
}

// Invite adds a user to a channel.
func (c *Client) Invite(ctx context.Context, channel, user string) error {
	return c.call(ctx, "send", "conversations.invite", map[string]transport.Field{
		"channel": {Value: channel},
		"users":   {Value: user},
	}, nil)
}

// Topic sets the channel topic.
func (c *Client) Topic(ctx context.Context, channel, topic string) error {
	return c.call(ctx, "send", "conversations.setTopic", map[string]transport.Field{
		"channel": {Value: channel},
		"topic":   {Value: topic},
	}, nil)
}

// PrefetchUsers loads the whole user directory into the cache, to avoid one
// users.info round trip per member when joining many channels.
func (c *Client) PrefetchUsers(ctx context.Context) error {
	cursor := ""
	for {
		fields := map[string]transport.Field{
			"limit": {Value: fmt.Sprintf("%d", paginationLimit)},
		}
		if cursor != "" {
			fields["cursor"] = transport.Field{Value: cursor}
		}
		var out struct {
			Members  []User `json:"members"`
			Metadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		if err := c.call(ctx, "entities", "users.list", fields, &out); err != nil {
			return err
		}
		c.mu.Lock()
		for _, u := range out.Members {
			c.users[u.ID] = u
			c.userIDs[u.Name] = u.ID
		}
		total := len(c.users)
		c.mu.Unlock()
		log.Debugf("Prefetched %d users (total %d)", len(out.Members), total)
		if out.Metadata.NextCursor == "" || out.Metadata.NextCursor == cursor {
			return nil
		}
		cursor = out.Metadata.NextCursor
	}
}

// GetUser returns the user with the given id, from cache or via users.info.
func (c *Client) GetUser(ctx context.Context, id string) (User, error) {
	c.mu.Lock()
	if u, ok := c.users[id]; ok {
		c.mu.Unlock()
		return u, nil
	}
	c.mu.Unlock()

	var out struct {
		User User `json:"user"`
	}
	err := c.call(ctx, "entities", "users.info", map[string]transport.Field{
		"user": {Value: id},
	}, &out)
	var rerr *ResponseError
	if errors.As(err, &rerr) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	c.mu.Lock()
	c.users[out.User.ID] = out.User
	c.userIDs[out.User.Name] = out.User.ID
	c.mu.Unlock()
	return out.User, nil
}

// GetUserByName returns the cached user with the given handle.
func (c *Client) GetUserByName(ctx context.Context, name string) (User, error) {
	c.mu.Lock()
	id, ok := c.userIDs[name]
	c.mu.Unlock()
	if !ok {
		return User{}, ErrNotFound
	}
	return c.GetUser(ctx, id)
}

// invalidateUser drops a user from the cache; the next GetUser refetches.
func (c *Client) invalidateUser(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.users[id]; ok {
		delete(c.users, id)
		delete(c.userIDs, u.Name)
	}
}

// Channels lists the conversations of the workspace. The result is cached;
// refresh forces a new fetch. Pagination failures are best-effort: whatever
// was gathered so far is returned.
func (c *Client) Channels(ctx context.Context, refresh bool) ([]Channel, error) {
	c.mu.Lock()
	if c.chansValid && !refresh {
		chans := c.chans
		c.mu.Unlock()
		return chans, nil
	}
	c.mu.Unlock()

	var result []Channel
	cursor := ""
	for {
		fields := map[string]transport.Field{
			"types":            {Value: "public_channel,private_channel,mpim"},
			"exclude_archived": {Value: "true"},
			"limit":            {Value: fmt.Sprintf("%d", paginationLimit)},
		}
		if cursor != "" {
			fields["cursor"] = transport.Field{Value: cursor}
		}
		var out struct {
			Channels []Channel `json:"channels"`
			Metadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		if err := c.call(ctx, "entities", "conversations.list", fields, &out); err != nil {
			log.Warningf("Channel listing interrupted, returning %d channels: %v", len(result), err)
			break
		}
		result = append(result, out.Channels...)
		if out.Metadata.NextCursor == "" || out.Metadata.NextCursor == cursor {
			break
		}
		cursor = out.Metadata.NextCursor
	}
	c.mu.Lock()
	c.chans = result
	c.chansValid = true
	c.mu.Unlock()
	return result, nil
}

// GetChannel returns the channel with the given id.
func (c *Client) GetChannel(ctx context.Context, id string) (Channel, error) {
	chans, err := c.Channels(ctx, false)
	if err != nil {
		return Channel{}, err
	}
	for _, ch := range chans {
		if ch.ID == id {
			return ch, nil
		}
	}
	return Channel{}, ErrNotFound
}

// GetChannelByName returns the channel with the given normalized name.
func (c *Client) GetChannelByName(ctx context.Context, name string) (Channel, error) {
	chans, err := c.Channels(ctx, false)
	if err != nil {
		return Channel{}, err
	}
	for _, ch := range chans {
		if ch.Name() == name {
			return ch, nil
		}
	}
	return Channel{}, ErrNotFound
}

// GetIMs lists the two-party conversations, from cache after the first
// call.
func (c *Client) GetIMs(ctx context.Context) ([]IM, error) {
	c.mu.Lock()
	if c.imsValid {
		ims := c.ims
		c.mu.Unlock()
		return ims, nil
	}
	c.mu.Unlock()

	var out struct {
		Channels []IM `json:"channels"`
	}
	err := c.call(ctx, "entities", "conversations.list", map[string]transport.Field{
		"types": {Value: "im"},
		"limit": {Value: fmt.Sprintf("%d", paginationLimit)},
	}, &out)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.ims = out.Channels
	c.imsValid = true
	c.mu.Unlock()
	return out.Channels, nil
}

// GetIM returns the IM with the given channel id, or ErrNotFound.
func (c *Client) GetIM(ctx context.Context, id string) (*IM, error) {
	ims, err := c.GetIMs(ctx)
	if err != nil {
		return nil, err
	}
	for _, im := range ims {
		if im.ID == id {
			return &im, nil
		}
	}
	return nil, ErrNotFound
}

func (c *Client) imByUser(ctx context.Context, userID string) (*IM, error) {
	ims, err := c.GetIMs(ctx)
	if err != nil {
		return nil, err
	}
	for _, im := range ims {
		if im.User == userID {
			return &im, nil
		}
	}
	return nil, ErrNotFound
}

// GetMembers returns the ids of the members of a channel. Pages are
// unioned into the cached set; once the first snapshot exists, ids that
// appear later are also pushed as synthetic Join events so downstream
// consumers see them.
func (c *Client) GetMembers(ctx context.Context, channel string) ([]string, error) {
	c.mu.Lock()
	previous := c.members[channel]
	c.mu.Unlock()

	fetched := make(map[string]bool)
	cursor := ""
	for {
		fields := map[string]transport.Field{
			"channel": {Value: channel},
			"limit":   {Value: fmt.Sprintf("%d", paginationLimit)},
		}
		if cursor != "" {
			fields["cursor"] = transport.Field{Value: cursor}
		}
		var out struct {
			Members  []string `json:"members"`
			Metadata *struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		if err := c.call(ctx, "entities", "conversations.members", fields, &out); err != nil {
			return nil, err
		}
		for _, id := range out.Members {
			fetched[id] = true
		}
		// A missing cursor entry means the set is complete.
		if out.Metadata == nil || out.Metadata.NextCursor == "" || out.Metadata.NextCursor == cursor {
			break
		}
		cursor = out.Metadata.NextCursor
	}

	c.mu.Lock()
	union := c.members[channel]
	if union == nil {
		union = make(map[string]bool)
		c.members[channel] = union
	}
	for id := range fetched {
		if previous != nil && !previous[id] {
			c.pending = append(c.pending, Join{User: id, Channel: channel})
		}
		union[id] = true
	}
	ids := make([]string, 0, len(union))
	for id := range union {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	return ids, nil
}

// memberJoined and memberLeft keep the member sets in sync with events.
func (c *Client) memberJoined(channel, user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set := c.members[channel]; set != nil {
		set[user] = true
	}
}

func (c *Client) memberLeft(channel, user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set := c.members[channel]; set != nil {
		delete(set, user)
	}
}

// GetThread builds the synthetic channel for a thread. The topic names the
// author and quotes the first line of the root message.
func (c *Client) GetThread(ctx context.Context, threadTs, channel string) (MessageThread, error) {
	parent, err := c.GetChannel(ctx, channel)
	if err != nil {
		return MessageThread{}, err
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	err = c.call(ctx, "entities", "conversations.history", map[string]transport.Field{
		"channel":   {Value: channel},
		"latest":    {Value: threadTs},
		"inclusive": {Value: "true"},
		"limit":     {Value: "1"},
	}, &out)
	if err != nil {
		return MessageThread{}, err
	}
	topic := ""
	if len(out.Messages) > 0 {
		root := out.Messages[0]
		author := root.User
		if u, err := c.GetUser(ctx, root.User); err == nil {
			author = u.Name
		}
		topic = fmt.Sprintf("%s in %s: %s", author, parent.Name(), firstLine(root.Text))
	}
	thread := MessageThread{Channel: parent, ThreadTs: threadTs}
	thread.Channel.Topic = Topic{Value: topic}
	thread.Channel.Purpose = Topic{}
	return thread, nil
}

// AddAutoreaction registers an automatic reaction to a user's messages.
func (c *Client) AddAutoreaction(userID, reaction string, probability float64, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reactions[userID] = append(c.reactions[userID], Autoreaction{
		Reaction:    reaction,
		Probability: probability,
		Expiration:  float64(time.Now().Add(d).Unix()),
	})
}

// DropAutoreactions removes every automatic reaction for a user.
func (c *Client) DropAutoreactions(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reactions, userID)
}

// AddAnnoy echoes typing notifications back at the user for the duration.
func (c *Client) AddAnnoy(userID string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.annoy[userID] = float64(time.Now().Add(d).Unix())
}
