package collect

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/TobiSchelling/projectpulse/internal/attribution"
	"github.com/TobiSchelling/projectpulse/internal/config"
	"github.com/TobiSchelling/projectpulse/internal/database"
	"github.com/TobiSchelling/projectpulse/internal/oracle"
)

const maxMessageChars = 2000

// Message subtypes that carry no project content.
var skipSubtypes = map[string]bool{
	"channel_join": true, "channel_leave": true, "channel_name": true, "channel_purpose": true,
	"channel_topic": true, "channel_archive": true, "channel_unarchive": true,
	"group_join": true, "group_leave": true, "group_name": true, "group_archive": true, "group_unarchive": true,
	"bot_add": true, "bot_remove": true,
}

// SlackClient wraps a slack-go client with paging and lookup caches.
type SlackClient struct {
	token    string
	pageSize int
	api      *slack.Client

	channelIDs map[string]string
	users      map[string]string
}

// NewSlackClient creates a client using the token named by cfg.TokenEnv.
func NewSlackClient(cfg config.SlackConfig) *SlackClient {
	base := cfg.BaseURL
	if base == "" {
		base = "https://slack.com/api"
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 200
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	token := os.Getenv(cfg.TokenEnv)
	return &SlackClient{
		token:    token,
		pageSize: pageSize,
		api: slack.New(token,
			slack.OptionAPIURL(strings.TrimRight(base, "/")+"/"),
			slack.OptionHTTPClient(&http.Client{Timeout: timeout}),
		),
		channelIDs: make(map[string]string),
		users:      make(map[string]string),
	}
}

// IsConfigured returns whether a token is available.
func (c *SlackClient) IsConfigured() bool {
	return c != nil && c.token != ""
}

// isChannelID reports whether v looks like a channel id rather than a name.
func isChannelID(v string) bool {
	if len(v) < 9 || (v[0] != 'C' && v[0] != 'G') {
		return false
	}
	for _, r := range strings.ReplaceAll(v[1:], "-", "") {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// ResolveChannel maps a channel name to its id. Ids pass through unchanged.
func (c *SlackClient) ResolveChannel(ctx context.Context, value string) (string, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "#")
	if isChannelID(value) {
		return value, nil
	}
	if id, ok := c.channelIDs[strings.ToLower(value)]; ok {
		return id, nil
	}

	cursor := ""
	for {
		channels, next, err := c.api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Cursor:          cursor,
			Limit:           c.pageSize,
			Types:           []string{"public_channel", "private_channel"},
			ExcludeArchived: true,
		})
		if err != nil {
			return "", fmt.Errorf("slack conversations.list: %w", err)
		}
		for _, ch := range channels {
			if ch.ID != "" {
				c.channelIDs[strings.ToLower(ch.Name)] = ch.ID
			}
		}
		if id, ok := c.channelIDs[strings.ToLower(value)]; ok {
			return id, nil
		}
		if next == "" {
			return "", fmt.Errorf("channel %q not found", value)
		}
		cursor = next
	}
}

// ChannelName returns the display name of a channel, or its id.
func (c *SlackClient) ChannelName(ctx context.Context, id string) string {
	ch, err := c.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: id})
	if err != nil || ch == nil || ch.Name == "" {
		return id
	}
	return ch.Name
}

// UserDisplay resolves a user id to a display name. Lookups are cached for
// the lifetime of the client, failures included.
func (c *SlackClient) UserDisplay(ctx context.Context, id string) string {
	if name, ok := c.users[id]; ok {
		return name
	}
	name := id
	if u, err := c.api.GetUserInfoContext(ctx, id); err == nil && u != nil {
		for _, candidate := range []string{u.Profile.DisplayName, u.Profile.RealName, u.Name} {
			if candidate != "" {
				name = candidate
				break
			}
		}
	}
	c.users[id] = name
	return name
}

// History returns messages of a channel newer than oldest, up to max.
func (c *SlackClient) History(ctx context.Context, channel string, oldest *time.Time, max int) ([]slack.Message, error) {
	var messages []slack.Message
	cursor := ""
	for {
		params := &slack.GetConversationHistoryParameters{
			ChannelID: channel,
			Cursor:    cursor,
			Limit:     c.pageSize,
		}
		if oldest != nil {
			params.Oldest = formatTS(*oldest)
		}
		resp, err := c.api.GetConversationHistoryContext(ctx, params)
		if err != nil {
			return messages, fmt.Errorf("slack conversations.history: %w", err)
		}
		messages = append(messages, resp.Messages...)
		if max > 0 && len(messages) >= max {
			return messages[:max], nil
		}
		next := resp.ResponseMetaData.NextCursor
		if next == "" || len(resp.Messages) == 0 {
			return messages, nil
		}
		cursor = next
	}
}

// parseTS converts a message timestamp ("1700010000.000200") to a time.
func parseTS(ts string) (time.Time, error) {
	secStr, fracStr, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", ts)
	}
	var usec int64
	if fracStr != "" {
		fracStr = (fracStr + "000000")[:6]
		if usec, err = strconv.ParseInt(fracStr, 10, 64); err != nil {
			return time.Time{}, fmt.Errorf("bad timestamp %q", ts)
		}
	}
	return time.Unix(sec, usec*1000).UTC(), nil
}

func formatTS(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

func slackPermalink(channel, ts string) string {
	return "https://slack.com/archives/" + channel + "/p" + strings.ReplaceAll(ts, ".", "")
}

// SlackIngester ingests channel history for every channel scope.
type SlackIngester struct {
	db     *database.DB
	client *SlackClient
	oracle oracle.Oracle
	rc     config.RunConfig
	max    int
	bounds Bounds
}

// NewSlackIngester creates a chat ingester. maxMessages caps each channel.
func NewSlackIngester(db *database.DB, client *SlackClient, o oracle.Oracle, rc config.RunConfig, maxMessages int) *SlackIngester {
	if o == nil {
		o = oracle.Disabled{}
	}
	return &SlackIngester{db: db, client: client, oracle: o, rc: rc, max: maxMessages}
}

// SetBounds pins the incremental bounds instead of reading them at Run.
func (s *SlackIngester) SetBounds(b Bounds) {
	s.bounds = b
}

type channelGroup struct {
	id       string
	projects []string
}

// Run ingests every scoped channel. Preconditions fail before any fetch;
// a failing channel is logged and skipped.
func (s *SlackIngester) Run(ctx context.Context) (*Result, error) {
	if !s.client.IsConfigured() {
		return nil, fmt.Errorf("chat: %w", ErrMissingCredentials)
	}
	scopes, err := s.db.ListScopes(database.SourceSlack, database.ScopeSlackChannel)
	if err != nil {
		return nil, fmt.Errorf("listing channel scopes: %w", err)
	}
	if len(scopes) == 0 {
		return nil, fmt.Errorf("chat: %w", ErrNoScopes)
	}

	cat, err := attribution.LoadCatalog(s.db, s.rc.MinKeywordLength)
	if err != nil {
		return nil, fmt.Errorf("loading attribution catalog: %w", err)
	}
	engine := attribution.Chain(s.rc, cat, s.oracle)
	bounds := s.bounds
	if bounds == nil && s.rc.Incremental {
		if bounds, err = LoadBounds(s.db); err != nil {
			return nil, fmt.Errorf("loading checkpoints: %w", err)
		}
	}
	startedAt := s.rc.Clock()
	r := &Result{}

	var groups []*channelGroup
	byID := make(map[string]*channelGroup)
	for _, sc := range scopes {
		id, err := s.client.ResolveChannel(ctx, sc.ScopeValue)
		if err != nil {
			log.Printf("  Cannot resolve channel %s for %s: %v", sc.ScopeValue, sc.ProjectID, err)
			r.Failed++
			continue
		}
		g, ok := byID[id]
		if !ok {
			g = &channelGroup{id: id}
			byID[id] = g
			groups = append(groups, g)
		}
		g.projects = append(g.projects, sc.ProjectID)
	}

	log.Printf("Ingesting %d channels (strategies: %s)...", len(groups), strings.Join(engine.Strategies(), ", "))
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		r.Containers++
		if err := s.ingestChannel(ctx, g, engine, bounds, r); err != nil {
			log.Printf("  Channel %s failed: %v", g.id, err)
			r.Failed++
			continue
		}
		markIngested(s.db, g.projects, startedAt)
	}

	log.Printf("Chat ingestion complete: %s", r)
	return r, nil
}

func (s *SlackIngester) ingestChannel(ctx context.Context, g *channelGroup, engine *attribution.Engine, bounds Bounds, r *Result) error {
	var oldest *time.Time
	if s.rc.Incremental {
		oldest = bounds.earliest(g.projects)
	}

	name := s.client.ChannelName(ctx, g.id)
	messages, err := s.client.History(ctx, g.id, oldest, s.max)
	if err != nil {
		return err
	}
	r.Fetched += len(messages)
	log.Printf("  #%s (%s): %d messages", name, g.id, len(messages))

	for _, m := range messages {
		text := strings.TrimSpace(m.Text)
		if skipSubtypes[m.SubType] || text == "" || m.Timestamp == "" {
			r.SkippedFilter++
			continue
		}
		ref := g.id + ":" + m.Timestamp
		exists, err := s.db.EventExists(database.SourceSlack, ref)
		if err != nil {
			return err
		}
		if exists {
			r.SkippedExisting++
			continue
		}

		occurred, err := parseTS(m.Timestamp)
		if err != nil {
			occurred = s.rc.Clock()
		}
		actorID, actor := m.User, ""
		if actorID != "" {
			actor = s.client.UserDisplay(ctx, actorID)
		} else {
			actorID = m.BotID
			actor = m.Username
			if actor == "" {
				actor = actorID
			}
		}

		text = clip(text, maxMessageChars)
		if s.rc.FormatMessages && s.oracle.Enabled() {
			if formatted := s.oracle.FormatMessage(ctx, text); formatted != "" {
				text = formatted
			}
		}

		ev := &database.Event{
			SourceType:    database.SourceSlack,
			SourceRef:     ref,
			OccurredAt:    occurred,
			ContainerID:   g.id,
			ContainerName: name,
			ActorID:       actorID,
			ActorDisplay:  actor,
			Kind:          database.KindMessage,
			Text:          text,
			Permalink:     slackPermalink(g.id, m.Timestamp),
			RawJSON:       rawJSON(m),
		}
		links := engine.Attribute(ctx, attribution.Candidate{Text: text, ContainerName: name, Eligible: g.projects})
		if err := store(s.db, ev, links, r); err != nil {
			return err
		}
	}
	return nil
}
