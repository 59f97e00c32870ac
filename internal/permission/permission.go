// Package permission computes a member's effective permissions in a channel.
// Evaluate is a pure function over the server-wide role grants plus any
// per-channel overrides; it never touches shared state.
package permission

// Bits is the permission bitfield. It is stored in SQLite as a signed 64-bit
// integer; FromStored/Stored handle the cast so the rest of the code only
// ever sees the unsigned view.
type Bits uint64

const (
	ViewChannels Bits = 1 << iota
	ManageChannels
	ManageRoles
	ManageServer
	CreateInvites
	KickMembers
	BanMembers
	Administrator
	SendMessages
	EmbedLinks
	AttachFiles
	AddReactions
	MentionEveryone
	ManageMessages
	ReadHistory
	VoiceConnect
	VoiceSpeak
)

// All is every bit set; granted to server owners and administrators.
const All = ^Bits(0)

// Default role profiles.
const (
	DefaultEveryone = ViewChannels | SendMessages | EmbedLinks | AttachFiles |
		AddReactions | ReadHistory | CreateInvites
	DefaultModerator = DefaultEveryone | KickMembers | ManageMessages | MentionEveryone
	DefaultAdmin     = DefaultModerator | ManageChannels | ManageRoles | ManageServer | BanMembers
)

// FromStored reinterprets a signed database column as a bitfield.
func FromStored(v int64) Bits { return Bits(uint64(v)) }

// Stored returns the signed representation written to the database.
func (b Bits) Stored() int64 { return int64(uint64(b)) }

// Has reports whether every bit in p is set in b.
func (b Bits) Has(p Bits) bool { return b&p == p }

// OverrideKind selects what an override targets.
type OverrideKind int

const (
	OverrideRole OverrideKind = iota
	OverrideUser
)

// Override is a per-channel allow/deny pair targeting a role or a user.
type Override struct {
	Kind     OverrideKind
	TargetID string
	Allow    Bits
	Deny     Bits
}

// RoleBits is one role held by the user, with its grant.
type RoleBits struct {
	RoleID string
	Bits   Bits
}

// Evaluate computes the effective permissions of one user in one channel.
//
// Layering order: @everyone base, then role grants OR-ed together, then the
// @everyone channel override, then the user's role overrides (allows and
// denies each combined across roles before applying), then the user-specific
// override. A server owner or any member holding Administrator gets every
// bit and skips the override layers entirely.
func Evaluate(base Bits, userRoles []RoleBits, overrides []Override, everyoneRoleID, userID string, isOwner bool) Bits {
	if isOwner {
		return All
	}

	perms := base
	for _, r := range userRoles {
		perms |= r.Bits
	}
	if perms.Has(Administrator) {
		return All
	}
	if len(overrides) == 0 {
		return perms
	}

	held := make(map[string]struct{}, len(userRoles))
	for _, r := range userRoles {
		held[r.RoleID] = struct{}{}
	}

	for _, ov := range overrides {
		if ov.Kind == OverrideRole && ov.TargetID == everyoneRoleID {
			perms = (perms | ov.Allow) &^ ov.Deny
		}
	}

	var roleAllow, roleDeny Bits
	for _, ov := range overrides {
		if ov.Kind != OverrideRole || ov.TargetID == everyoneRoleID {
			continue
		}
		if _, ok := held[ov.TargetID]; !ok {
			continue
		}
		roleAllow |= ov.Allow
		roleDeny |= ov.Deny
	}
	perms = (perms | roleAllow) &^ roleDeny

	for _, ov := range overrides {
		if ov.Kind == OverrideUser && ov.TargetID == userID {
			perms = (perms | ov.Allow) &^ ov.Deny
		}
	}
	return perms
}
