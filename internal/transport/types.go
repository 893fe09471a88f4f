package transport

import (
	"context"
	"errors"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
)

// ErrUnknownMember is returned by lookups when the user is not (or no longer) a guild member.
var ErrUnknownMember = errors.New("unknown member")

// Permissions is the platform permission bit set.
type Permissions = discord.Permissions

const (
	PermAdministrator = discord.PermissionAdministrator
	PermViewChannel   = discord.PermissionViewChannel
	PermSendMessages  = discord.PermissionSendMessages
	PermManageRoles   = discord.PermissionManageRoles
)

// Member is the profile of a guild member as returned by the remote lookup.
type Member struct {
	UserID     snowflake.ID
	Username   string
	GlobalName string
	Nickname   string
	Roles      []snowflake.ID
}

type Role struct {
	ID          snowflake.ID
	Name        string
	Position    int
	Managed     bool
	Permissions Permissions
}

// GuildInfo is the subset of guild state the background services need.
type GuildInfo struct {
	ID    snowflake.ID
	Roles map[snowflake.ID]Role

	// BotPermissions are the bot's guild-level permissions.
	BotPermissions Permissions
	// BotTopRolePosition is the position of the bot's highest role.
	BotTopRolePosition int
	BotRoles           []snowflake.ID
}

// EveryoneRoleID is the implicit role every member holds; it shares the guild's id.
func (g GuildInfo) EveryoneRoleID() snowflake.ID { return g.ID }

// CanManageRole reports whether the bot may grant/revoke role r.
func (g GuildInfo) CanManageRole(r Role) bool {
	if !g.BotPermissions.Has(PermManageRoles) && !g.BotPermissions.Has(PermAdministrator) {
		return false
	}
	return r.Position < g.BotTopRolePosition
}

// MemberLookup fetches a single member from the remote service.
type MemberLookup interface {
	FetchMember(ctx context.Context, guildID, userID snowflake.ID) (Member, error)
}

// RoleManager grants and revokes roles. Both calls must be idempotent.
type RoleManager interface {
	AddRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error
	RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error
}

// Messenger delivers text messages to channels.
type Messenger interface {
	CanSend(ctx context.Context, guildID, channelID snowflake.ID) (bool, error)
	SendMessage(ctx context.Context, channelID snowflake.ID, text string, opt *SendOptions) error
}

type SendOptions struct {
	// MentionUsers allows user mentions in the text to notify.
	MentionUsers bool
}

// GuildInspector reads guild state.
type GuildInspector interface {
	Guild(ctx context.Context, guildID snowflake.ID) (GuildInfo, error)
}

// GuildDirectory lists the guilds the bot is currently a member of.
type GuildDirectory interface {
	CurrentGuilds(ctx context.Context) ([]snowflake.ID, error)
}

// Platform is everything the background services consume from the chat platform.
type Platform interface {
	MemberLookup
	RoleManager
	Messenger
	GuildInspector
	GuildDirectory
}

// ShardFor routes a guild to one of n shards.
func ShardFor(guildID snowflake.ID, n int) int {
	if n <= 1 {
		return 0
	}
	return int((uint64(guildID) >> 22) % uint64(n))
}
