package gxs

// GroupMeta is the decoded metadata of one group. The distributed part is
// carried in the meta envelope; the local-only part lives in its own columns.
type GroupMeta struct {
	GroupID       GroupID
	OrigGroupID   GroupID
	ParentGroupID GroupID
	Name          string
	GroupFlags    uint32
	SignFlags     uint32
	PublishTS     int64
	AuthorID      GxsID

	CircleID       GxsID
	CircleType     uint32
	AuthenFlags    uint32
	InternalCircle GxsID
	Originator     PeerID

	Keys       KeySet
	Signatures SignSet

	// local-only
	SubscribeFlags   uint32
	Popularity       uint32
	VisibleMsgCount  uint32
	GroupStatus      uint32
	LastPostTS       int64
	ReputationCutoff uint32
	ServiceString    string
	ReceivedTS       int64
	GroupSize        uint32
}

// MsgMeta is the decoded metadata of one message.
type MsgMeta struct {
	GroupID   GroupID
	MsgID     MessageID
	OrigMsgID MessageID
	ParentID  MessageID
	ThreadID  MessageID
	AuthorID  GxsID

	Signatures SignSet
	Name       string
	PublishTS  int64
	MsgFlags   uint32

	// local-only
	MsgStatus     uint32
	ChildTS       int64
	ServiceString string
	ReceivedTS    int64
	MsgSize       uint32
}

// IsOrig reports whether the message is the first version of its edit chain.
func (m *MsgMeta) IsOrig() bool {
	return m.OrigMsgID.IsNull() || m.OrigMsgID == m.MsgID
}

// IsThreadHead reports whether the message has no parent.
func (m *MsgMeta) IsThreadHead() bool {
	return m.ParentID.IsNull()
}

// Origin returns the id of the first version of this message.
func (m *MsgMeta) Origin() MessageID {
	if m.OrigMsgID.IsNull() {
		return m.MsgID
	}
	return m.OrigMsgID
}

// Clone returns a deep copy of the metadata.
func (g *GroupMeta) Clone() *GroupMeta {
	out := *g
	out.Keys = g.Keys.Clone()
	out.Signatures = g.Signatures.Clone()
	return &out
}

// Clone returns a deep copy of the metadata.
func (m *MsgMeta) Clone() *MsgMeta {
	out := *m
	out.Signatures = m.Signatures.Clone()
	return &out
}

// CopyFrom overwrites g with the contents of src, keeping g's identity so
// that holders of the pointer observe the new values.
func (g *GroupMeta) CopyFrom(src *GroupMeta) {
	*g = *src.Clone()
}

// CopyFrom overwrites m with the contents of src.
func (m *MsgMeta) CopyFrom(src *MsgMeta) {
	*m = *src.Clone()
}

// RepairSubscribeFlags makes the ADMIN and PUBLISH subscribe bits agree with
// the private keys held in Keys. It reports whether the flags were changed.
func (g *GroupMeta) RepairSubscribeFlags() bool {
	want := g.SubscribeFlags &^ (SubscribeAdmin | SubscribePublish)
	if g.Keys.HasPrivateAdminKey() {
		want |= SubscribeAdmin
	}
	if g.Keys.HasPrivatePublishKey() {
		want |= SubscribePublish
	}
	if want == g.SubscribeFlags {
		return false
	}
	g.SubscribeFlags = want
	return true
}

// GroupLocalUpdate patches the local-only fields of a group. Nil fields are
// left untouched.
type GroupLocalUpdate struct {
	GroupID          GroupID
	SubscribeFlags   *uint32
	Popularity       *uint32
	VisibleMsgCount  *uint32
	GroupStatus      *uint32
	LastPostTS       *int64
	ReputationCutoff *uint32
	ServiceString    *string
}

// Apply writes the set fields of u into g.
func (u *GroupLocalUpdate) Apply(g *GroupMeta) {
	if u.SubscribeFlags != nil {
		g.SubscribeFlags = *u.SubscribeFlags
	}
	if u.Popularity != nil {
		g.Popularity = *u.Popularity
	}
	if u.VisibleMsgCount != nil {
		g.VisibleMsgCount = *u.VisibleMsgCount
	}
	if u.GroupStatus != nil {
		g.GroupStatus = *u.GroupStatus
	}
	if u.LastPostTS != nil {
		g.LastPostTS = *u.LastPostTS
	}
	if u.ReputationCutoff != nil {
		g.ReputationCutoff = *u.ReputationCutoff
	}
	if u.ServiceString != nil {
		g.ServiceString = *u.ServiceString
	}
}

// Empty reports whether the update sets no field.
func (u *GroupLocalUpdate) Empty() bool {
	return u.SubscribeFlags == nil && u.Popularity == nil && u.VisibleMsgCount == nil &&
		u.GroupStatus == nil && u.LastPostTS == nil && u.ReputationCutoff == nil &&
		u.ServiceString == nil
}

// MsgLocalUpdate patches the local-only fields of a message.
type MsgLocalUpdate struct {
	GroupID       GroupID
	MsgID         MessageID
	MsgStatus     *uint32
	ChildTS       *int64
	ServiceString *string
}

// Apply writes the set fields of u into m.
func (u *MsgLocalUpdate) Apply(m *MsgMeta) {
	if u.MsgStatus != nil {
		m.MsgStatus = *u.MsgStatus
	}
	if u.ChildTS != nil {
		m.ChildTS = *u.ChildTS
	}
	if u.ServiceString != nil {
		m.ServiceString = *u.ServiceString
	}
}

// Empty reports whether the update sets no field.
func (u *MsgLocalUpdate) Empty() bool {
	return u.MsgStatus == nil && u.ChildTS == nil && u.ServiceString == nil
}
