package dataaccess

import (
	"github.com/pkg/errors"

	"github.com/aeolun/gxsstore/pkg/gxs"
)

// RequestType selects the kind of answer a request produces.
type RequestType uint32

const (
	ReqGroupData RequestType = iota + 1
	ReqGroupMeta
	ReqGroupIDs
	ReqGroupSerializedData
	ReqMsgData
	ReqMsgMeta
	ReqMsgIDs
	ReqMsgRelatedData
	ReqMsgRelatedMeta
	ReqMsgRelatedIDs
	ReqGroupStats
	ReqServiceStats
)

func (t RequestType) String() string {
	switch t {
	case ReqGroupData:
		return "group_data"
	case ReqGroupMeta:
		return "group_meta"
	case ReqGroupIDs:
		return "group_ids"
	case ReqGroupSerializedData:
		return "group_serialized_data"
	case ReqMsgData:
		return "msg_data"
	case ReqMsgMeta:
		return "msg_meta"
	case ReqMsgIDs:
		return "msg_ids"
	case ReqMsgRelatedData:
		return "msg_related_data"
	case ReqMsgRelatedMeta:
		return "msg_related_meta"
	case ReqMsgRelatedIDs:
		return "msg_related_ids"
	case ReqGroupStats:
		return "group_stats"
	case ReqServiceStats:
		return "service_stats"
	default:
		return "unknown"
	}
}

// Message-set reduction options.
const (
	OptVersions = 0x01
	OptOrigMsg  = 0x02
	OptLatest   = 0x04
	OptThread   = 0x10
	OptParent   = 0x20

	relatedPolicyMask = OptVersions | OptLatest | OptThread | OptParent
)

// Options qualify a request. A zero mask places no constraint on the
// corresponding flags.
type Options struct {
	ReqType RequestType
	Flags   uint32

	SubscribeMask   uint32
	SubscribeFilter uint32
	StatusMask      uint32
	StatusFilter    uint32
	MsgFlagMask     uint32
	MsgFlagFilter   uint32

	// Priority is recorded with the request. Requests are not reordered by it.
	Priority uint32
}

// ErrInvalidArgument is returned when a request is rejected before a token is
// allocated.
var ErrInvalidArgument = errors.New("invalid argument")

// ValidateRelatedOptions checks the reduction policy of a related-info
// request: exactly one of LATEST, VERSIONS, LATEST|PARENT or LATEST|THREAD.
func ValidateRelatedOptions(flags uint32) error {
	switch flags & relatedPolicyMask {
	case OptLatest, OptVersions, OptLatest | OptParent, OptLatest | OptThread:
		return nil
	default:
		return errors.Wrapf(ErrInvalidArgument, "related-info options 0x%02x select no single policy", flags&relatedPolicyMask)
	}
}

func maskedMatch(mask, filter, flags uint32) bool {
	return mask == 0 || mask&filter == mask&flags
}

// CheckGrpFilter reports whether g passes the subscribe mask and filter.
func CheckGrpFilter(opts Options, g *gxs.GroupMeta) bool {
	return maskedMatch(opts.SubscribeMask, opts.SubscribeFilter, g.SubscribeFlags)
}

// CheckMsgFilter reports whether m passes the status and message flag masks.
func CheckMsgFilter(opts Options, m *gxs.MsgMeta) bool {
	return maskedMatch(opts.StatusMask, opts.StatusFilter, m.MsgStatus) &&
		maskedMatch(opts.MsgFlagMask, opts.MsgFlagFilter, m.MsgFlags)
}
