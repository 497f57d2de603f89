package auth

// Capability is a bitmask of named permissions held by an identity.
// One bit per permission plus a single root-override bit (Wheel).
type Capability uint32

const (
	// CapRegistered marks a known, logged-in user.
	CapRegistered Capability = 1 << iota
	// CapVisibleUser shows the session as a registered user to peers.
	CapVisibleUser
	// CapVisibleMod shows the session as a moderator to peers.
	CapVisibleMod
	// CapVisibleDev shows the session as a developer to peers.
	CapVisibleDev
	// CapVisibleAdmin shows the session as an administrator to peers.
	CapVisibleAdmin
	// CapTurnOverride lets the session take turns even when the room
	// has turns disabled.
	CapTurnOverride
	// CapUploadOverride lets the session upload even when the room has
	// uploads disabled.
	CapUploadOverride
	// CapSeeProtected allows seeing and joining protected rooms.
	CapSeeProtected
	// CapSeeInternal allows seeing and joining internal rooms.
	CapSeeInternal
	// CapReset allows force-resetting a machine without a vote.
	CapReset
	// CapManageVMs allows creating and destroying machines.
	CapManageVMs
	// CapManageRooms allows altering room configuration.
	CapManageRooms
	// CapManageUsers allows adding, removing and re-capping users.
	CapManageUsers
	// CapWheel is instance root. It satisfies every capability check
	// and overrides the immunity rule.
	CapWheel
)

const (
	// CapNone requires nothing.
	CapNone Capability = 0
	// CapAll is every ordinary bit below the wheel.
	CapAll Capability = CapWheel - 1
)

// Has reports whether the mask satisfies want. Wheel satisfies
// everything.
func (c Capability) Has(want Capability) bool {
	if c&CapWheel == CapWheel {
		return true
	}
	return c&want == want
}

// Immune reports whether target may not be acted on by actor. A target
// holding any bit the actor lacks is immune, unless the actor holds
// Wheel.
func Immune(actor, target Capability) bool {
	if actor&CapWheel == CapWheel {
		return false
	}
	return actor&target != target
}

// LegacyRank is the flattened rank older clients render next to nicks.
type LegacyRank int64

const (
	RankAnonymous LegacyRank = iota
	RankRegistered
	RankAdministrator
	RankModerator
	RankDeveloper
)

// Rank derives the displayed legacy rank from a capability mask.
func (c Capability) Rank() LegacyRank {
	switch {
	case c.Has(CapVisibleAdmin):
		return RankAdministrator
	case c.Has(CapVisibleDev):
		return RankDeveloper
	case c.Has(CapVisibleMod):
		return RankModerator
	case c.Has(CapVisibleUser):
		return RankRegistered
	default:
		return RankAnonymous
	}
}
