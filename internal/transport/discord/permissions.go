package discord

import (
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"

	"birthdaybot/internal/transport"
)

// basePermissions folds @everyone and the member's roles into guild-level permissions
// and returns the position of the highest held role.
func basePermissions(gi transport.GuildInfo, memberRoles []snowflake.ID) (discord.Permissions, int) {
	var perms discord.Permissions
	top := 0
	if everyone, ok := gi.Roles[gi.EveryoneRoleID()]; ok {
		perms |= everyone.Permissions
	}
	for _, id := range memberRoles {
		r, ok := gi.Roles[id]
		if !ok {
			continue
		}
		perms |= r.Permissions
		top = max(top, r.Position)
	}
	if perms.Has(discord.PermissionAdministrator) {
		return discord.PermissionsAll, top
	}
	return perms, top
}

// channelPermissions applies overwrites in platform order: @everyone, roles, then the member.
func channelPermissions(gi transport.GuildInfo, memberID snowflake.ID, ows discord.PermissionOverwrites) discord.Permissions {
	perms := gi.BotPermissions
	if perms.Has(discord.PermissionAdministrator) {
		return discord.PermissionsAll
	}

	held := make(map[snowflake.ID]struct{}, len(gi.BotRoles))
	for _, id := range gi.BotRoles {
		held[id] = struct{}{}
	}

	var (
		allow, deny discord.Permissions
		everyone    *discord.RolePermissionOverwrite
		member      *discord.MemberPermissionOverwrite
	)
	for _, ow := range ows {
		switch o := ow.(type) {
		case discord.RolePermissionOverwrite:
			if o.RoleID == gi.EveryoneRoleID() {
				everyone = &o
			} else if _, ok := held[o.RoleID]; ok {
				allow |= o.Allow
				deny |= o.Deny
			}
		case discord.MemberPermissionOverwrite:
			if o.UserID == memberID {
				member = &o
			}
		}
	}
	if everyone != nil {
		perms = perms&^everyone.Deny | everyone.Allow
	}
	perms = perms&^deny | allow
	if member != nil {
		perms = perms&^member.Deny | member.Allow
	}
	return perms
}
