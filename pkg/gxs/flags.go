package gxs

// Group subscribe flags (local-only).
const (
	SubscribeAdmin         = 0x01
	SubscribePublish       = 0x02
	SubscribeSubscribed    = 0x04
	SubscribeNotSubscribed = 0x08

	// SubscribeMaskSubscribed selects groups the local node participates in
	SubscribeMaskSubscribed = SubscribeAdmin | SubscribePublish | SubscribeSubscribed
)

// Message status flags (local-only).
const (
	MsgStatusUnprocessed = 0x01
	MsgStatusUnread      = 0x02
	MsgStatusNew         = 0x04
	MsgStatusKeepForever = 0x08
	MsgStatusDelete      = 0x20
	MsgStatusVoteUp      = 0x40
	MsgStatusVoteDown    = 0x80

	MsgStatusVoteMask = MsgStatusVoteUp | MsgStatusVoteDown
)

// Group status flags (local-only).
const (
	GroupStatusKeysUpdated = 0x01
	GroupStatusUnprocessed = 0x02
)

// Security key flags.
const (
	KeyPublicOnly     = 0x01
	KeyFull           = 0x02
	KeyDistribPublish = 0x20
	KeyDistribAdmin   = 0x40

	KeyTypeMask    = KeyPublicOnly | KeyFull
	KeyDistribMask = KeyDistribPublish | KeyDistribAdmin
)

// Signature types within a SignSet.
const (
	SignIdentity = 0x10
	SignPublish  = 0x20
	SignAdmin    = 0x40
)

// IsSubscribed reports whether the subscribe flags mark the group as one the
// local node participates in.
func IsSubscribed(flags uint32) bool {
	return flags&SubscribeMaskSubscribed != 0
}
