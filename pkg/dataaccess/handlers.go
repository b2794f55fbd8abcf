package dataaccess

import (
	"sort"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/aeolun/gxsstore/pkg/gxs"
)

// filteredGroups resolves ids (every group when empty) to metadata that
// passes the subscribe filter. Explicit ids keep their order; otherwise
// groups come in id order.
func (d *DataAccess) filteredGroups(opts Options, ids []gxs.GroupID) ([]*gxs.GroupMeta, error) {
	metas, err := d.store.RetrieveGxsGrpMetaData(ids)
	if err != nil {
		return nil, err
	}

	var order []gxs.GroupID
	if len(ids) == 0 {
		order = make([]gxs.GroupID, 0, len(metas))
		for id := range metas {
			order = append(order, id)
		}
		sort.Slice(order, func(i, j int) bool { return order[i].Less(order[j]) })
	} else {
		seen := make(map[gxs.GroupID]struct{}, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				order = append(order, id)
			}
		}
	}

	out := make([]*gxs.GroupMeta, 0, len(order))
	for _, id := range order {
		g, ok := metas[id]
		if !ok {
			continue
		}
		if CheckGrpFilter(opts, g) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (d *DataAccess) groupPayloads(opts Options, ids []gxs.GroupID) ([]*gxs.GroupPayload, error) {
	metas, err := d.filteredGroups(opts, ids)
	if err != nil || len(metas) == 0 {
		return nil, err
	}
	keep := make([]gxs.GroupID, len(metas))
	for i, g := range metas {
		keep[i] = g.GroupID
	}
	found, err := d.store.RetrieveNxsGrps(keep, true)
	if err != nil {
		return nil, err
	}
	out := make([]*gxs.GroupPayload, 0, len(keep))
	for _, id := range keep {
		if p, ok := found[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *DataAccess) handleGroupIDs(req *groupIDReq) error {
	metas, err := d.filteredGroups(req.opts, req.groupIDs)
	if err != nil {
		return err
	}
	req.result = make([]gxs.GroupID, len(metas))
	for i, g := range metas {
		req.result[i] = g.GroupID
	}
	return nil
}

func (d *DataAccess) handleGroupMeta(req *groupMetaReq) error {
	metas, err := d.filteredGroups(req.opts, req.groupIDs)
	if err != nil {
		return err
	}
	req.result = metas
	return nil
}

func (d *DataAccess) handleGroupData(req *groupDataReq) error {
	payloads, err := d.groupPayloads(req.opts, req.groupIDs)
	if err != nil {
		return err
	}
	req.result = payloads
	return nil
}

func (d *DataAccess) handleGroupSerializedData(req *groupSerializedDataReq) error {
	payloads, err := d.groupPayloads(req.opts, req.groupIDs)
	if err != nil {
		return err
	}
	req.result = make(map[gxs.GroupID][]byte, len(payloads))
	for _, p := range payloads {
		data, err := p.Serialize()
		if err != nil {
			return errors.WithMessagef(err, "serialize group %s", p.GroupID)
		}
		req.result[p.GroupID] = data
	}
	return nil
}

// newerThan orders versions by publish time, then by id.
func newerThan(a, b *gxs.MsgMeta) bool {
	if a.PublishTS != b.PublishTS {
		return a.PublishTS > b.PublishTS
	}
	return b.MsgID.Less(a.MsgID)
}

// latestOnly drops every superseded version: messages referenced as another
// message's origin, and all but the newest message per origin. Survivors
// keep their relative order.
func latestOnly(list []*gxs.MsgMeta) []*gxs.MsgMeta {
	pos := make(map[gxs.MessageID]int, len(list))
	for i, m := range list {
		pos[m.MsgID] = i
	}
	keep := make([]bool, len(list))
	for i := range keep {
		keep[i] = true
	}

	newest := make(map[gxs.MessageID]int, len(list))
	for i, m := range list {
		if !m.IsOrig() {
			if j, ok := pos[m.OrigMsgID]; ok {
				keep[j] = false
			}
		}
		origin := m.Origin()
		j, ok := newest[origin]
		switch {
		case !ok:
			newest[origin] = i
		case newerThan(m, list[j]):
			keep[j] = false
			newest[origin] = i
		default:
			keep[i] = false
		}
	}

	out := make([]*gxs.MsgMeta, 0, len(list))
	for i, m := range list {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}

// reduceMsgs applies the ORIG_MSG or LATEST option, then THREAD, then the
// status and flag filters. ORIG_MSG and LATEST exclude each other; ORIG_MSG
// wins when both are set.
func reduceMsgs(opts Options, list []*gxs.MsgMeta) []*gxs.MsgMeta {
	origOnly := opts.Flags&OptOrigMsg != 0
	if !origOnly && opts.Flags&OptLatest != 0 {
		list = latestOnly(list)
	}
	out := make([]*gxs.MsgMeta, 0, len(list))
	for _, m := range list {
		if origOnly && !m.IsOrig() {
			continue
		}
		if opts.Flags&OptThread != 0 && !m.IsThreadHead() {
			continue
		}
		if !CheckMsgFilter(opts, m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (d *DataAccess) filteredMsgs(opts Options, req map[gxs.GroupID][]gxs.MessageID) (map[gxs.GroupID][]*gxs.MsgMeta, error) {
	metas, err := d.store.RetrieveGxsMsgMetaData(req)
	if err != nil {
		return nil, err
	}
	out := make(map[gxs.GroupID][]*gxs.MsgMeta, len(req))
	for gid := range req {
		out[gid] = reduceMsgs(opts, metas[gid])
	}
	return out, nil
}

func (d *DataAccess) handleMsgIDs(req *msgIDReq) error {
	metas, err := d.filteredMsgs(req.opts, req.msgIDs)
	if err != nil {
		return err
	}
	req.result = make(map[gxs.GroupID][]gxs.MessageID, len(metas))
	for gid, list := range metas {
		ids := make([]gxs.MessageID, len(list))
		for i, m := range list {
			ids[i] = m.MsgID
		}
		req.result[gid] = ids
	}
	return nil
}

func (d *DataAccess) handleMsgMeta(req *msgMetaReq) error {
	metas, err := d.filteredMsgs(req.opts, req.msgIDs)
	if err != nil {
		return err
	}
	req.result = metas
	return nil
}

func (d *DataAccess) handleMsgData(req *msgDataReq) error {
	metas, err := d.filteredMsgs(req.opts, req.msgIDs)
	if err != nil {
		return err
	}
	want := make(map[gxs.GroupID][]gxs.MessageID, len(metas))
	for gid, list := range metas {
		// an empty id list would select the whole group
		if len(list) == 0 {
			continue
		}
		ids := make([]gxs.MessageID, len(list))
		for i, m := range list {
			ids[i] = m.MsgID
		}
		want[gid] = ids
	}

	req.result = make(map[gxs.GroupID][]*gxs.MsgPayload, len(metas))
	for gid := range metas {
		req.result[gid] = nil
	}
	if len(want) == 0 {
		return nil
	}
	found, err := d.store.RetrieveNxsMsgs(want, true)
	if err != nil {
		return err
	}
	for gid, payloads := range found {
		req.result[gid] = payloads
	}
	return nil
}

// relatedMsgs selects the messages related to target under the policy in
// flags. list holds every message of target's group.
func relatedMsgs(flags uint32, list []*gxs.MsgMeta, target *gxs.MsgMeta) []*gxs.MsgMeta {
	origin := target.Origin()
	versions := make(map[gxs.MessageID]struct{})
	var sameOrigin []*gxs.MsgMeta
	for _, m := range list {
		if m.Origin() == origin {
			sameOrigin = append(sameOrigin, m)
			versions[m.MsgID] = struct{}{}
		}
	}

	var candidates []*gxs.MsgMeta
	switch flags & relatedPolicyMask {
	case OptVersions:
		return sameOrigin
	case OptLatest:
		return latestOnly(sameOrigin)
	case OptLatest | OptParent:
		for _, m := range list {
			if _, ok := versions[m.ParentID]; ok {
				candidates = append(candidates, m)
			}
		}
	case OptLatest | OptThread:
		root := target.ThreadID
		if root.IsNull() {
			root = target.MsgID
		}
		for _, m := range list {
			if m.ThreadID == root || m.MsgID == root {
				candidates = append(candidates, m)
			}
		}
	}
	return latestOnly(candidates)
}

func (d *DataAccess) handleMsgRelatedInfo(req *msgRelatedInfoReq) error {
	groups := make(map[gxs.GroupID][]gxs.MessageID)
	for _, p := range req.pairs {
		groups[p.GroupID] = nil
	}
	all, err := d.store.RetrieveGxsMsgMetaData(groups)
	if err != nil {
		return err
	}

	related := make(map[gxs.GroupMsgID][]*gxs.MsgMeta, len(req.pairs))
	for _, p := range req.pairs {
		list := all[p.GroupID]
		var target *gxs.MsgMeta
		for _, m := range list {
			if m.MsgID == p.MsgID {
				target = m
				break
			}
		}
		if target == nil {
			jww.DEBUG.Printf("[GXS-DA] related info: message %s/%s not stored, skipping", p.GroupID, p.MsgID)
			continue
		}
		var kept []*gxs.MsgMeta
		for _, m := range relatedMsgs(req.opts.Flags, list, target) {
			if CheckMsgFilter(req.opts, m) {
				kept = append(kept, m)
			}
		}
		if len(kept) > 0 {
			related[p] = kept
		}
	}

	switch req.opts.ReqType {
	case ReqMsgRelatedIDs:
		req.resultIDs = make(map[gxs.GroupMsgID][]gxs.MessageID, len(related))
		for p, list := range related {
			ids := make([]gxs.MessageID, len(list))
			for i, m := range list {
				ids[i] = m.MsgID
			}
			req.resultIDs[p] = ids
		}
	case ReqMsgRelatedMeta:
		req.resultMeta = related
	case ReqMsgRelatedData:
		return d.fillRelatedData(req, related)
	}
	return nil
}

func (d *DataAccess) fillRelatedData(req *msgRelatedInfoReq, related map[gxs.GroupMsgID][]*gxs.MsgMeta) error {
	want := make(map[gxs.GroupID][]gxs.MessageID)
	for p, list := range related {
		for _, m := range list {
			want[p.GroupID] = append(want[p.GroupID], m.MsgID)
		}
	}

	payloads := make(map[gxs.MessageID]*gxs.MsgPayload)
	if len(want) > 0 {
		found, err := d.store.RetrieveNxsMsgs(want, true)
		if err != nil {
			return err
		}
		for _, list := range found {
			for _, p := range list {
				payloads[p.MsgID] = p
			}
		}
	}

	req.resultData = make(map[gxs.GroupMsgID][]*gxs.MsgPayload, len(related))
	for p, list := range related {
		out := make([]*gxs.MsgPayload, 0, len(list))
		for _, m := range list {
			if payload, ok := payloads[m.MsgID]; ok {
				out = append(out, payload)
			}
		}
		req.resultData[p] = out
	}
	return nil
}

// groupStatistic counts the current messages of one group; superseded
// versions are left out entirely.
func groupStatistic(gid gxs.GroupID, list []*gxs.MsgMeta) GroupStatistic {
	st := GroupStatistic{GroupID: gid}
	authors := make(map[gxs.GxsID]struct{})
	for _, m := range latestOnly(list) {
		st.NumMsgs++
		st.TotalSizeOfMsgs += uint64(m.MsgSize)
		if !m.AuthorID.IsNull() {
			authors[m.AuthorID] = struct{}{}
		}
		head := m.IsThreadHead()
		if m.MsgStatus&gxs.MsgStatusNew != 0 {
			if head {
				st.NumThreadMsgsNew++
			} else {
				st.NumChildMsgsNew++
			}
		}
		if m.MsgStatus&gxs.MsgStatusUnread != 0 {
			if head {
				st.NumThreadMsgsUnread++
			} else {
				st.NumChildMsgsUnread++
			}
		}
	}
	st.NumAuthors = uint32(len(authors))
	return st
}

func (d *DataAccess) handleGroupStatistic(req *groupStatisticReq) error {
	metas, err := d.store.RetrieveGxsMsgMetaData(map[gxs.GroupID][]gxs.MessageID{req.groupID: nil})
	if err != nil {
		return err
	}
	req.result = groupStatistic(req.groupID, metas[req.groupID])
	return nil
}

func (d *DataAccess) handleServiceStatistic(req *serviceStatisticReq) error {
	groups, err := d.store.RetrieveGxsGrpMetaData(nil)
	if err != nil {
		return err
	}

	var st ServiceStatistic
	subscribed := make(map[gxs.GroupID][]gxs.MessageID)
	for id, g := range groups {
		st.NumGroups++
		st.SizeOfGroups += uint64(g.GroupSize)
		if gxs.IsSubscribed(g.SubscribeFlags) {
			st.NumGroupsSubscribed++
			subscribed[id] = nil
		}
	}

	if len(subscribed) > 0 {
		msgs, err := d.store.RetrieveGxsMsgMetaData(subscribed)
		if err != nil {
			return err
		}
		for gid := range subscribed {
			gs := groupStatistic(gid, msgs[gid])
			st.NumMsgs += gs.NumMsgs
			st.SizeOfMsgs += gs.TotalSizeOfMsgs
			st.NumThreadMsgsNew += gs.NumThreadMsgsNew
			st.NumThreadMsgsUnread += gs.NumThreadMsgsUnread
			st.NumChildMsgsNew += gs.NumChildMsgsNew
			st.NumChildMsgsUnread += gs.NumChildMsgsUnread
		}
	}
	st.SizeStore = st.SizeOfGroups + st.SizeOfMsgs
	req.result = st
	return nil
}
