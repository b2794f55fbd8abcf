package dataaccess

import (
	"github.com/pkg/errors"

	"github.com/aeolun/gxsstore/pkg/database"
	"github.com/aeolun/gxsstore/pkg/gxs"
)

func checkGroupIDs(ids []gxs.GroupID) error {
	for _, id := range ids {
		if id.IsNull() {
			return errors.Wrap(ErrInvalidArgument, "null group id")
		}
	}
	return nil
}

func checkMsgReq(req map[gxs.GroupID][]gxs.MessageID) error {
	if len(req) == 0 {
		return errors.Wrap(ErrInvalidArgument, "no groups requested")
	}
	for gid, ids := range req {
		if gid.IsNull() {
			return errors.Wrap(ErrInvalidArgument, "null group id")
		}
		for _, id := range ids {
			if id.IsNull() {
				return errors.Wrapf(ErrInvalidArgument, "null message id in group %s", gid)
			}
		}
	}
	return nil
}

func copyMsgReq(req map[gxs.GroupID][]gxs.MessageID) map[gxs.GroupID][]gxs.MessageID {
	out := make(map[gxs.GroupID][]gxs.MessageID, len(req))
	for gid, ids := range req {
		out[gid] = append([]gxs.MessageID(nil), ids...)
	}
	return out
}

// RequestGroupInfo queues a group request. opts.ReqType selects ids, meta,
// data or serialized data; an empty id list selects every group.
func (d *DataAccess) RequestGroupInfo(opts Options, groupIDs []gxs.GroupID) (Token, error) {
	if err := checkGroupIDs(groupIDs); err != nil {
		return 0, err
	}
	ids := append([]gxs.GroupID(nil), groupIDs...)
	base := requestBase{opts: opts}

	var r request
	switch opts.ReqType {
	case ReqGroupIDs:
		r = &groupIDReq{requestBase: base, groupIDs: ids}
	case ReqGroupMeta:
		r = &groupMetaReq{requestBase: base, groupIDs: ids}
	case ReqGroupData:
		r = &groupDataReq{requestBase: base, groupIDs: ids}
	case ReqGroupSerializedData:
		r = &groupSerializedDataReq{requestBase: base, groupIDs: ids}
	default:
		return 0, errors.Wrapf(ErrInvalidArgument, "%s is not a group request", opts.ReqType)
	}
	return d.storeRequest(r), nil
}

// RequestMsgInfo queues a message request. An empty id list for a group
// selects every message of that group.
func (d *DataAccess) RequestMsgInfo(opts Options, req map[gxs.GroupID][]gxs.MessageID) (Token, error) {
	if err := checkMsgReq(req); err != nil {
		return 0, err
	}
	ids := copyMsgReq(req)
	base := requestBase{opts: opts}

	var r request
	switch opts.ReqType {
	case ReqMsgIDs:
		r = &msgIDReq{requestBase: base, msgIDs: ids}
	case ReqMsgMeta:
		r = &msgMetaReq{requestBase: base, msgIDs: ids}
	case ReqMsgData:
		r = &msgDataReq{requestBase: base, msgIDs: ids}
	default:
		return 0, errors.Wrapf(ErrInvalidArgument, "%s is not a message request", opts.ReqType)
	}
	return d.storeRequest(r), nil
}

// RequestMsgRelatedInfo queues a related-info request for each (group,
// message) pair. opts.Flags must select exactly one reduction policy.
func (d *DataAccess) RequestMsgRelatedInfo(opts Options, pairs []gxs.GroupMsgID) (Token, error) {
	switch opts.ReqType {
	case ReqMsgRelatedIDs, ReqMsgRelatedMeta, ReqMsgRelatedData:
	default:
		return 0, errors.Wrapf(ErrInvalidArgument, "%s is not a related-info request", opts.ReqType)
	}
	if err := ValidateRelatedOptions(opts.Flags); err != nil {
		return 0, err
	}
	if len(pairs) == 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "no messages requested")
	}
	for _, p := range pairs {
		if p.GroupID.IsNull() || p.MsgID.IsNull() {
			return 0, errors.Wrap(ErrInvalidArgument, "null group or message id")
		}
	}
	r := &msgRelatedInfoReq{
		requestBase: requestBase{opts: opts},
		pairs:       append([]gxs.GroupMsgID(nil), pairs...),
	}
	return d.storeRequest(r), nil
}

// RequestGroupStatistic queues a statistic request for one group.
func (d *DataAccess) RequestGroupStatistic(groupID gxs.GroupID) (Token, error) {
	if groupID.IsNull() {
		return 0, errors.Wrap(ErrInvalidArgument, "null group id")
	}
	r := &groupStatisticReq{
		requestBase: requestBase{opts: Options{ReqType: ReqGroupStats}},
		groupID:     groupID,
	}
	return d.storeRequest(r), nil
}

// RequestServiceStatistic queues a statistic request for the whole store.
func (d *DataAccess) RequestServiceStatistic() (Token, error) {
	r := &serviceStatisticReq{requestBase: requestBase{opts: Options{ReqType: ReqServiceStats}}}
	return d.storeRequest(r), nil
}

// AddGroupData stores groups directly, bypassing the token table.
func (d *DataAccess) AddGroupData(payloads []*gxs.GroupPayload) error {
	return d.store.StoreGroup(payloads)
}

// UpdateGroupData replaces the distributed part of groups directly.
func (d *DataAccess) UpdateGroupData(payloads []*gxs.GroupPayload) error {
	return d.store.UpdateGroup(payloads)
}

// AddMsgData stores messages directly, bypassing the token table.
func (d *DataAccess) AddMsgData(payloads []*gxs.MsgPayload) error {
	return d.store.StoreMessage(payloads)
}

// GetGroup returns one group with its shared metadata.
func (d *DataAccess) GetGroup(id gxs.GroupID) (*gxs.GroupPayload, error) {
	if id.IsNull() {
		return nil, errors.Wrap(ErrInvalidArgument, "null group id")
	}
	found, err := d.store.RetrieveNxsGrps([]gxs.GroupID{id}, true)
	if err != nil {
		return nil, err
	}
	p, ok := found[id]
	if !ok {
		return nil, errors.Wrapf(database.ErrNotFound, "group %s", id)
	}
	return p, nil
}

func (d *DataAccess) UpdateGroupMetaData(u gxs.GroupLocalUpdate) error {
	return d.store.UpdateGroupMetaData(u)
}

func (d *DataAccess) UpdateMsgMetaData(u gxs.MsgLocalUpdate) error {
	return d.store.UpdateMessageMetaData(u)
}
