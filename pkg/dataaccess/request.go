package dataaccess

import (
	"time"

	"github.com/aeolun/gxsstore/pkg/gxs"
)

// request is implemented only by the variants below. The engine dispatches
// on the concrete type.
type request interface {
	base() *requestBase
}

type requestBase struct {
	opts      Options
	submitted time.Time
}

func (b *requestBase) base() *requestBase { return b }

type groupIDReq struct {
	requestBase
	groupIDs []gxs.GroupID
	result   []gxs.GroupID
}

type groupMetaReq struct {
	requestBase
	groupIDs []gxs.GroupID
	result   []*gxs.GroupMeta
}

type groupDataReq struct {
	requestBase
	groupIDs []gxs.GroupID
	result   []*gxs.GroupPayload
}

type groupSerializedDataReq struct {
	requestBase
	groupIDs []gxs.GroupID
	result   map[gxs.GroupID][]byte
}

type msgIDReq struct {
	requestBase
	msgIDs map[gxs.GroupID][]gxs.MessageID
	result map[gxs.GroupID][]gxs.MessageID
}

type msgMetaReq struct {
	requestBase
	msgIDs map[gxs.GroupID][]gxs.MessageID
	result map[gxs.GroupID][]*gxs.MsgMeta
}

type msgDataReq struct {
	requestBase
	msgIDs map[gxs.GroupID][]gxs.MessageID
	result map[gxs.GroupID][]*gxs.MsgPayload
}

// msgRelatedInfoReq serves the three related-info kinds; opts.ReqType picks
// which result map is filled.
type msgRelatedInfoReq struct {
	requestBase
	pairs      []gxs.GroupMsgID
	resultIDs  map[gxs.GroupMsgID][]gxs.MessageID
	resultMeta map[gxs.GroupMsgID][]*gxs.MsgMeta
	resultData map[gxs.GroupMsgID][]*gxs.MsgPayload
}

type groupStatisticReq struct {
	requestBase
	groupID gxs.GroupID
	result  GroupStatistic
}

type serviceStatisticReq struct {
	requestBase
	result ServiceStatistic
}

// GroupStatistic summarizes the current (non-superseded) messages of one
// group.
type GroupStatistic struct {
	GroupID             gxs.GroupID
	NumMsgs             uint32
	NumAuthors          uint32
	NumThreadMsgsNew    uint32
	NumThreadMsgsUnread uint32
	NumChildMsgsNew     uint32
	NumChildMsgsUnread  uint32
	TotalSizeOfMsgs     uint64
}

// ServiceStatistic summarizes the whole store. Message counts cover
// subscribed groups only; group sizes cover every group.
type ServiceStatistic struct {
	NumGroups           uint32
	NumGroupsSubscribed uint32
	NumMsgs             uint32
	NumThreadMsgsNew    uint32
	NumThreadMsgsUnread uint32
	NumChildMsgsNew     uint32
	NumChildMsgsUnread  uint32
	SizeOfGroups        uint64
	SizeOfMsgs          uint64
	SizeStore           uint64
}
