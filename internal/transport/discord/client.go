package discord

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"

	"birthdaybot/internal/transport"
	logx "birthdaybot/pkg/logx"
)

const (
	DefaultAPIBase   = "https://discord.com/api/v10"
	defaultUserAgent = "DiscordBot (birthdaybot, 1.0)"

	// maxMessageLen is the platform limit for a single message body.
	maxMessageLen = 2000
	guildPageSize = 200
)

// disgo's own @me endpoints authenticate with a bearer token; these use the bot token.
var (
	getSelf          = rest.NewEndpoint(http.MethodGet, "/users/@me")
	getCurrentGuilds = rest.NewEndpoint(http.MethodGet, "/users/@me/guilds")
)

type Config struct {
	Token      string
	APIBase    string
	Timeout    time.Duration
	RatePerSec float64
	UserAgent  string
}

// Client adapts the disgo REST client to the transport interfaces. disgo tracks the
// per-route buckets and retries 429s; limiter caps the process-wide request rate on top.
type Client struct {
	rest    rest.Rest
	limiter *rate.Limiter
	log     logx.Logger

	selfMu sync.Mutex
	selfID snowflake.ID
}

var _ transport.Platform = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord: token is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 40
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rc := rest.NewClient(cfg.Token,
		rest.WithURL(strings.TrimRight(cfg.APIBase, "/")),
		rest.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		rest.WithUserAgent(cfg.UserAgent),
	)
	return &Client{
		rest:    rest.New(rc),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec))),
		log:     log.With(logx.String("comp", "discord")),
	}, nil
}

// Close releases the rate limiter state held by the REST client.
func (c *Client) Close(ctx context.Context) error {
	c.rest.Close(ctx)
	return nil
}

// opts waits for the process-wide limiter and binds ctx to the request.
func (c *Client) opts(ctx context.Context) ([]rest.RequestOpt, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return []rest.RequestOpt{rest.WithCtx(ctx)}, nil
}

func (c *Client) FetchMember(ctx context.Context, guildID, userID snowflake.ID) (transport.Member, error) {
	opts, err := c.opts(ctx)
	if err != nil {
		return transport.Member{}, err
	}
	m, err := c.rest.GetMember(guildID, userID, opts...)
	if err = wrapErr(err); err != nil {
		if isUnknownMember(err) {
			return transport.Member{}, transport.ErrUnknownMember
		}
		return transport.Member{}, err
	}
	return toMember(*m, userID), nil
}

func toMember(m discord.Member, fallbackID snowflake.ID) transport.Member {
	out := transport.Member{
		UserID:   m.User.ID,
		Username: m.User.Username,
		Roles:    m.RoleIDs,
	}
	if out.UserID == 0 {
		out.UserID = fallbackID
	}
	if m.User.GlobalName != nil {
		out.GlobalName = *m.User.GlobalName
	}
	if m.Nick != nil {
		out.Nickname = *m.Nick
	}
	return out
}

func (c *Client) AddRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	opts, err := c.opts(ctx)
	if err != nil {
		return err
	}
	return c.roleResult(guildID, userID, c.rest.AddMemberRole(guildID, userID, roleID, opts...))
}

func (c *Client) RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	opts, err := c.opts(ctx)
	if err != nil {
		return err
	}
	return c.roleResult(guildID, userID, c.rest.RemoveMemberRole(guildID, userID, roleID, opts...))
}

// roleResult treats a departed member as success so role sweeps stay idempotent.
func (c *Client) roleResult(guildID, userID snowflake.ID, err error) error {
	err = wrapErr(err)
	if isUnknownMember(err) {
		c.log.Debug("role change skipped; member left",
			logx.Uint64("guild", uint64(guildID)), logx.Uint64("user", uint64(userID)))
		return nil
	}
	return err
}

// SendMessage posts text, splitting it into several messages when it exceeds the platform limit.
func (c *Client) SendMessage(ctx context.Context, channelID snowflake.ID, text string, opt *SendOptions) error {
	am := &discord.AllowedMentions{Parse: []discord.AllowedMentionType{}}
	if opt != nil && opt.MentionUsers {
		am.Parse = []discord.AllowedMentionType{discord.AllowedMentionTypeUsers}
	}
	for _, part := range splitMessage(text, maxMessageLen) {
		opts, err := c.opts(ctx)
		if err != nil {
			return err
		}
		_, err = c.rest.CreateMessage(channelID, discord.MessageCreate{Content: part, AllowedMentions: am}, opts...)
		if err != nil {
			return wrapErr(err)
		}
	}
	return nil
}

// SendOptions aliases the transport type so callers of this package need not import both.
type SendOptions = transport.SendOptions

// SendLogLine implements logx.Sender.
func (c *Client) SendLogLine(ctx context.Context, channelID uint64, text string) error {
	return c.SendMessage(ctx, snowflake.ID(channelID), text, nil)
}

func (c *Client) self(ctx context.Context) (snowflake.ID, error) {
	c.selfMu.Lock()
	defer c.selfMu.Unlock()
	if c.selfID != 0 {
		return c.selfID, nil
	}
	opts, err := c.opts(ctx)
	if err != nil {
		return 0, err
	}
	var u discord.User
	if err := c.rest.Do(getSelf.Compile(nil), nil, &u, opts...); err != nil {
		return 0, wrapErr(err)
	}
	c.selfID = u.ID
	return u.ID, nil
}

// Guild loads the role table and the bot's own member to compute its effective permissions.
func (c *Client) Guild(ctx context.Context, guildID snowflake.ID) (transport.GuildInfo, error) {
	me, err := c.self(ctx)
	if err != nil {
		return transport.GuildInfo{}, err
	}

	opts, err := c.opts(ctx)
	if err != nil {
		return transport.GuildInfo{}, err
	}
	roles, err := c.rest.GetRoles(guildID, opts...)
	if err != nil {
		return transport.GuildInfo{}, wrapErr(err)
	}
	if opts, err = c.opts(ctx); err != nil {
		return transport.GuildInfo{}, err
	}
	bot, err := c.rest.GetMember(guildID, me, opts...)
	if err != nil {
		return transport.GuildInfo{}, wrapErr(err)
	}

	gi := transport.GuildInfo{
		ID:       guildID,
		Roles:    make(map[snowflake.ID]transport.Role, len(roles)),
		BotRoles: bot.RoleIDs,
	}
	for _, r := range roles {
		gi.Roles[r.ID] = transport.Role{
			ID:          r.ID,
			Name:        r.Name,
			Position:    r.Position,
			Managed:     r.Managed,
			Permissions: r.Permissions,
		}
	}
	gi.BotPermissions, gi.BotTopRolePosition = basePermissions(gi, bot.RoleIDs)
	return gi, nil
}

// CanSend reports whether the bot can post in channelID after channel overwrites are applied.
func (c *Client) CanSend(ctx context.Context, guildID, channelID snowflake.ID) (bool, error) {
	opts, err := c.opts(ctx)
	if err != nil {
		return false, err
	}
	ch, err := c.rest.GetChannel(channelID, opts...)
	if err != nil {
		err = wrapErr(err)
		var herr *HTTPError
		if errors.As(err, &herr) && (herr.Status == http.StatusNotFound || herr.Status == http.StatusForbidden) {
			return false, nil
		}
		return false, err
	}
	gc, ok := ch.(discord.GuildChannel)
	if !ok || gc.GuildID() != guildID {
		return false, nil
	}
	gi, err := c.Guild(ctx, guildID)
	if err != nil {
		return false, err
	}
	me, err := c.self(ctx)
	if err != nil {
		return false, err
	}
	perms := channelPermissions(gi, me, gc.PermissionOverwrites())
	return perms.Has(transport.PermViewChannel, transport.PermSendMessages), nil
}

type partialGuild struct {
	ID snowflake.ID `json:"id"`
}

// CurrentGuilds pages through the bot's guild list.
func (c *Client) CurrentGuilds(ctx context.Context) ([]snowflake.ID, error) {
	var out []snowflake.ID
	var after snowflake.ID
	for {
		q := map[string]any{"limit": guildPageSize}
		if after != 0 {
			q["after"] = after
		}
		opts, err := c.opts(ctx)
		if err != nil {
			return nil, err
		}
		var page []partialGuild
		if err := c.rest.Do(getCurrentGuilds.Compile(q), nil, &page, opts...); err != nil {
			return nil, wrapErr(err)
		}
		for _, g := range page {
			out = append(out, g.ID)
			after = max(after, g.ID)
		}
		if len(page) < guildPageSize {
			break
		}
	}
	slices.Sort(out)
	return out, nil
}

// splitMessage cuts text into chunks of at most limit runes, preferring line and list separators.
func splitMessage(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > limit {
		cut := limit
		window := string(runes[:limit])
		if i := strings.LastIndex(window, "\n"); i > 0 {
			cut = len([]rune(window[:i])) + 1
		} else if i := strings.LastIndex(window, ", "); i > 0 {
			cut = len([]rune(window[:i])) + 2
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), ", \n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
