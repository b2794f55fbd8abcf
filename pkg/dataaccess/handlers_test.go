package dataaccess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/gxsstore/pkg/database"
	"github.com/aeolun/gxsstore/pkg/gxs"
)

func msgIDs(ns ...int) []gxs.MessageID {
	out := make([]gxs.MessageID, len(ns))
	for i, n := range ns {
		out[i] = msgID(n)
	}
	return out
}

func TestValidateRelatedOptions(t *testing.T) {
	tests := []struct {
		flags uint32
		ok    bool
	}{
		{OptLatest, true},
		{OptVersions, true},
		{OptLatest | OptParent, true},
		{OptLatest | OptThread, true},
		{OptLatest | OptOrigMsg, true},
		{0, false},
		{OptParent, false},
		{OptThread, false},
		{OptVersions | OptLatest, false},
		{OptVersions | OptParent, false},
		{OptLatest | OptParent | OptThread, false},
	}
	for _, tt := range tests {
		err := ValidateRelatedOptions(tt.flags)
		if tt.ok {
			assert.NoError(t, err, "flags 0x%02x", tt.flags)
		} else {
			assert.ErrorIs(t, err, ErrInvalidArgument, "flags 0x%02x", tt.flags)
		}
	}
}

func TestFiltersMatchMaskedBitsExactly(t *testing.T) {
	opts := Options{StatusMask: 0b11, StatusFilter: 0b01}
	assert.True(t, CheckMsgFilter(opts, &gxs.MsgMeta{MsgStatus: 0b101}))
	assert.False(t, CheckMsgFilter(opts, &gxs.MsgMeta{MsgStatus: 0b011}), "bits outside the filter but inside the mask must be clear")
	assert.False(t, CheckMsgFilter(opts, &gxs.MsgMeta{MsgStatus: 0b100}))

	opts = Options{MsgFlagMask: 0x4, MsgFlagFilter: 0x4}
	assert.True(t, CheckMsgFilter(opts, &gxs.MsgMeta{MsgFlags: 0x5}))
	assert.False(t, CheckMsgFilter(opts, &gxs.MsgMeta{MsgFlags: 0x1}))

	assert.True(t, CheckGrpFilter(Options{}, &gxs.GroupMeta{SubscribeFlags: 0xff}), "zero mask accepts everything")
	opts = Options{SubscribeMask: gxs.SubscribeSubscribed, SubscribeFilter: gxs.SubscribeSubscribed}
	assert.True(t, CheckGrpFilter(opts, &gxs.GroupMeta{SubscribeFlags: gxs.SubscribeSubscribed | gxs.SubscribeAdmin}))
	assert.False(t, CheckGrpFilter(opts, &gxs.GroupMeta{SubscribeFlags: gxs.SubscribeNotSubscribed}))
}

func TestGroupRequests(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.StoreGroup([]*gxs.GroupPayload{
		newGroup(t, 3, gxs.SubscribeSubscribed),
		newGroup(t, 1, gxs.SubscribeSubscribed),
		newGroup(t, 2, gxs.SubscribeNotSubscribed),
	}))
	d := New(s)

	t.Run("all groups in id order", func(t *testing.T) {
		token, err := d.RequestGroupInfo(Options{ReqType: ReqGroupIDs}, nil)
		require.NoError(t, err)
		processed(t, d, token)
		ids, err := d.GetGroupList(token)
		require.NoError(t, err)
		assert.Equal(t, []gxs.GroupID{groupID(1), groupID(2), groupID(3)}, ids)
	})

	t.Run("subscribe filter", func(t *testing.T) {
		opts := Options{ReqType: ReqGroupIDs, SubscribeMask: gxs.SubscribeSubscribed, SubscribeFilter: gxs.SubscribeSubscribed}
		token, err := d.RequestGroupInfo(opts, nil)
		require.NoError(t, err)
		processed(t, d, token)
		ids, err := d.GetGroupList(token)
		require.NoError(t, err)
		assert.Equal(t, []gxs.GroupID{groupID(1), groupID(3)}, ids)
	})

	t.Run("explicit ids keep caller order", func(t *testing.T) {
		token, err := d.RequestGroupInfo(Options{ReqType: ReqGroupMeta}, []gxs.GroupID{groupID(3), groupID(1), groupID(3), groupID(9)})
		require.NoError(t, err)
		processed(t, d, token)
		metas, err := d.GetGroupSummary(token)
		require.NoError(t, err)
		require.Len(t, metas, 2)
		assert.Equal(t, "group-3", metas[0].Name)
		assert.Equal(t, "group-1", metas[1].Name)
	})

	t.Run("data carries shared metadata", func(t *testing.T) {
		token, err := d.RequestGroupInfo(Options{ReqType: ReqGroupData}, []gxs.GroupID{groupID(2)})
		require.NoError(t, err)
		processed(t, d, token)
		groups, err := d.GetGroupData(token)
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Equal(t, []byte("group-2"), groups[0].Data)

		metas, err := s.RetrieveGxsGrpMetaData([]gxs.GroupID{groupID(2)})
		require.NoError(t, err)
		assert.Same(t, metas[groupID(2)], groups[0].MetaData)
	})

	t.Run("serialized data", func(t *testing.T) {
		token, err := d.RequestGroupInfo(Options{ReqType: ReqGroupSerializedData}, []gxs.GroupID{groupID(1), groupID(2)})
		require.NoError(t, err)
		processed(t, d, token)
		out, err := d.GetGroupSerializedData(token)
		require.NoError(t, err)
		require.Len(t, out, 2)

		raw := out[groupID(1)]
		p, next, err := gxs.DeserializeGroup(raw, 0)
		require.NoError(t, err)
		assert.Equal(t, len(raw), next)
		assert.Equal(t, groupID(1), p.GroupID)
		assert.Equal(t, []byte("group-1"), p.Data)
		assert.Equal(t, newGroup(t, 1, gxs.SubscribeSubscribed).Meta, p.Meta)
	})
}

// storeVersions stores A, then B and C as successive edits of A.
func storeVersions(t *testing.T, s *database.DataService, g gxs.GroupID) {
	storeMsgs(t, s, g,
		msgSpec{n: 1, ts: 1, status: gxs.MsgStatusUnread},
		msgSpec{n: 2, orig: 1, ts: 2},
		msgSpec{n: 3, orig: 1, ts: 3, status: gxs.MsgStatusUnread},
	)
}

func TestMsgRequestsReduceVersions(t *testing.T) {
	s := openStore(t)
	g := groupID(1)
	require.NoError(t, s.StoreGroup([]*gxs.GroupPayload{newGroup(t, 1, gxs.SubscribeSubscribed)}))
	storeVersions(t, s, g)
	d := New(s)

	tests := []struct {
		name string
		opts Options
		want []gxs.MessageID
	}{
		{"no reduction", Options{}, msgIDs(1, 2, 3)},
		{"latest", Options{Flags: OptLatest}, msgIDs(3)},
		{"originals", Options{Flags: OptOrigMsg}, msgIDs(1)},
		{"originals win over latest", Options{Flags: OptOrigMsg | OptLatest}, msgIDs(1)},
		{"thread heads", Options{Flags: OptThread}, msgIDs(1, 2, 3)},
		{"unread", Options{StatusMask: gxs.MsgStatusUnread, StatusFilter: gxs.MsgStatusUnread}, msgIDs(1, 3)},
		{"latest and read", Options{Flags: OptLatest, StatusMask: gxs.MsgStatusUnread}, []gxs.MessageID{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.ReqType = ReqMsgIDs
			token, err := d.RequestMsgInfo(tt.opts, map[gxs.GroupID][]gxs.MessageID{g: nil})
			require.NoError(t, err)
			processed(t, d, token)
			got, err := d.GetMsgIDList(token)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got[g])
		})
	}
}

func TestMsgMetaAndData(t *testing.T) {
	s := openStore(t)
	g, empty := groupID(1), groupID(2)
	require.NoError(t, s.StoreGroup([]*gxs.GroupPayload{newGroup(t, 1, gxs.SubscribeSubscribed), newGroup(t, 2, gxs.SubscribeSubscribed)}))
	storeVersions(t, s, g)
	d := New(s)

	token, err := d.RequestMsgInfo(Options{ReqType: ReqMsgMeta}, map[gxs.GroupID][]gxs.MessageID{g: msgIDs(3, 1, 77)})
	require.NoError(t, err)
	processed(t, d, token)
	metas, err := d.GetMsgSummary(token)
	require.NoError(t, err)
	require.Len(t, metas[g], 2, "unknown ids are absent")
	assert.Equal(t, msgID(3), metas[g][0].MsgID)
	assert.Equal(t, msgID(1), metas[g][1].MsgID)

	token, err = d.RequestMsgInfo(Options{ReqType: ReqMsgData, Flags: OptLatest},
		map[gxs.GroupID][]gxs.MessageID{g: nil, empty: nil})
	require.NoError(t, err)
	processed(t, d, token)
	data, err := d.GetMsgData(token)
	require.NoError(t, err)
	require.Contains(t, data, empty)
	assert.Empty(t, data[empty])
	require.Len(t, data[g], 1)
	assert.Equal(t, []byte("msg-3"), data[g][0].Data)
	require.NotNil(t, data[g][0].MetaData)
	assert.Equal(t, msgID(1), data[g][0].MetaData.OrigMsgID)
}

func TestRelatedVersions(t *testing.T) {
	s := openStore(t)
	g := groupID(1)
	storeVersions(t, s, g)
	d := New(s)
	fromB := []gxs.GroupMsgID{{GroupID: g, MsgID: msgID(2)}}

	token, err := d.RequestMsgRelatedInfo(Options{ReqType: ReqMsgRelatedIDs, Flags: OptVersions}, fromB)
	require.NoError(t, err)
	processed(t, d, token)
	ids, err := d.GetMsgRelatedList(token)
	require.NoError(t, err)
	assert.Equal(t, msgIDs(1, 2, 3), ids[fromB[0]])

	token, err = d.RequestMsgRelatedInfo(Options{ReqType: ReqMsgRelatedMeta, Flags: OptLatest}, fromB)
	require.NoError(t, err)
	processed(t, d, token)
	metas, err := d.GetMsgRelatedSummary(token)
	require.NoError(t, err)
	require.Len(t, metas[fromB[0]], 1)
	assert.Equal(t, msgID(3), metas[fromB[0]][0].MsgID)
}

func TestRelatedFilteredOutPairIsAbsent(t *testing.T) {
	s := openStore(t)
	g := groupID(1)
	storeVersions(t, s, g)
	d := New(s)
	fromA := gxs.GroupMsgID{GroupID: g, MsgID: msgID(1)}

	// no stored message carries flag 0x1
	opts := Options{ReqType: ReqMsgRelatedData, Flags: OptVersions, MsgFlagMask: 0x1, MsgFlagFilter: 0x1}
	token, err := d.RequestMsgRelatedInfo(opts, []gxs.GroupMsgID{fromA})
	require.NoError(t, err)
	processed(t, d, token)
	data, err := d.GetMsgRelatedData(token)
	require.NoError(t, err)
	assert.NotContains(t, data, fromA)

	opts = Options{ReqType: ReqMsgRelatedIDs, Flags: OptVersions, StatusMask: gxs.MsgStatusUnread, StatusFilter: gxs.MsgStatusUnread}
	token, err = d.RequestMsgRelatedInfo(opts, []gxs.GroupMsgID{fromA})
	require.NoError(t, err)
	processed(t, d, token)
	ids, err := d.GetMsgRelatedList(token)
	require.NoError(t, err)
	assert.Equal(t, map[gxs.GroupMsgID][]gxs.MessageID{fromA: msgIDs(1, 3)}, ids)
}

func TestRelatedParentAndThread(t *testing.T) {
	s := openStore(t)
	g := groupID(1)
	// R is the thread head, X replies to R and X' edits X, Y replies to X.
	storeMsgs(t, s, g,
		msgSpec{n: 10, ts: 10},
		msgSpec{n: 11, parent: 10, ts: 11},
		msgSpec{n: 12, orig: 11, parent: 10, ts: 12},
		msgSpec{n: 13, parent: 11, thread: 10, ts: 13},
	)
	d := New(s)
	root := gxs.GroupMsgID{GroupID: g, MsgID: msgID(10)}
	leaf := gxs.GroupMsgID{GroupID: g, MsgID: msgID(13)}

	token, err := d.RequestMsgRelatedInfo(Options{ReqType: ReqMsgRelatedIDs, Flags: OptLatest | OptParent}, []gxs.GroupMsgID{root})
	require.NoError(t, err)
	processed(t, d, token)
	ids, err := d.GetMsgRelatedList(token)
	require.NoError(t, err)
	assert.Equal(t, msgIDs(12), ids[root])

	token, err = d.RequestMsgRelatedInfo(Options{ReqType: ReqMsgRelatedIDs, Flags: OptLatest | OptThread}, []gxs.GroupMsgID{root, leaf})
	require.NoError(t, err)
	processed(t, d, token)
	ids, err = d.GetMsgRelatedList(token)
	require.NoError(t, err)
	assert.Equal(t, msgIDs(10, 12, 13), ids[root])
	assert.Equal(t, msgIDs(10, 12, 13), ids[leaf], "any thread member finds the whole thread")

	token, err = d.RequestMsgRelatedInfo(Options{ReqType: ReqMsgRelatedData, Flags: OptLatest | OptParent}, []gxs.GroupMsgID{root})
	require.NoError(t, err)
	processed(t, d, token)
	data, err := d.GetMsgRelatedData(token)
	require.NoError(t, err)
	require.Len(t, data[root], 1)
	assert.Equal(t, []byte("msg-12"), data[root][0].Data)
}

func storeStatisticGroup(t *testing.T, s *database.DataService, g gxs.GroupID) {
	storeMsgs(t, s, g,
		msgSpec{n: 1, ts: 1, author: 1, status: gxs.MsgStatusNew},
		msgSpec{n: 2, orig: 1, ts: 2, author: 1, status: gxs.MsgStatusNew},
		msgSpec{n: 3, parent: 2, ts: 3, author: 2, status: gxs.MsgStatusNew | gxs.MsgStatusUnread},
		msgSpec{n: 4, parent: 2, ts: 4, author: 3, status: gxs.MsgStatusUnread},
	)
}

func TestGroupStatistic(t *testing.T) {
	s := openStore(t)
	g := groupID(1)
	require.NoError(t, s.StoreGroup([]*gxs.GroupPayload{newGroup(t, 1, gxs.SubscribeSubscribed)}))
	storeStatisticGroup(t, s, g)
	d := New(s)

	token, err := d.RequestGroupStatistic(g)
	require.NoError(t, err)
	processed(t, d, token)
	st, err := d.GetGroupStatistic(token)
	require.NoError(t, err)

	metas, err := s.RetrieveGxsMsgMetaData(map[gxs.GroupID][]gxs.MessageID{g: msgIDs(2, 3, 4)})
	require.NoError(t, err)
	var size uint64
	for _, m := range metas[g] {
		size += uint64(m.MsgSize)
	}

	assert.Equal(t, GroupStatistic{
		GroupID:             g,
		NumMsgs:             3,
		NumAuthors:          3,
		NumThreadMsgsNew:    1,
		NumThreadMsgsUnread: 0,
		NumChildMsgsNew:     1,
		NumChildMsgsUnread:  2,
		TotalSizeOfMsgs:     size,
	}, st)

	token, err = d.RequestGroupStatistic(groupID(42))
	require.NoError(t, err)
	processed(t, d, token)
	st, err = d.GetGroupStatistic(token)
	require.NoError(t, err)
	assert.Equal(t, GroupStatistic{GroupID: groupID(42)}, st)
}

func TestServiceStatistic(t *testing.T) {
	s := openStore(t)
	groups := []*gxs.GroupPayload{
		newGroup(t, 1, gxs.SubscribeSubscribed),
		newGroup(t, 2, gxs.SubscribeNotSubscribed),
		newGroup(t, 3, gxs.SubscribeAdmin|gxs.SubscribeSubscribed),
	}
	require.NoError(t, s.StoreGroup(groups))
	storeStatisticGroup(t, s, groupID(1))
	storeMsgs(t, s, groupID(2), msgSpec{n: 20, ts: 1, status: gxs.MsgStatusNew})
	d := New(s)

	token, err := d.RequestGroupStatistic(groupID(1))
	require.NoError(t, err)
	processed(t, d, token)
	gs, err := d.GetGroupStatistic(token)
	require.NoError(t, err)

	token, err = d.RequestServiceStatistic()
	require.NoError(t, err)
	processed(t, d, token)
	st, err := d.GetServiceStatistic(token)
	require.NoError(t, err)

	var groupBytes uint64
	for _, p := range groups {
		groupBytes += uint64(p.Size())
	}
	assert.Equal(t, uint32(3), st.NumGroups)
	assert.Equal(t, uint32(2), st.NumGroupsSubscribed)
	assert.Equal(t, gs.NumMsgs, st.NumMsgs, "unsubscribed groups do not count")
	assert.Equal(t, gs.NumThreadMsgsNew, st.NumThreadMsgsNew)
	assert.Equal(t, gs.NumChildMsgsUnread, st.NumChildMsgsUnread)
	assert.Equal(t, groupBytes, st.SizeOfGroups)
	assert.Equal(t, gs.TotalSizeOfMsgs, st.SizeOfMsgs)
	assert.Equal(t, st.SizeOfGroups+st.SizeOfMsgs, st.SizeStore)
}

func TestDirectCalls(t *testing.T) {
	s := openStore(t)
	d := New(s)
	g := groupID(5)

	require.NoError(t, d.AddGroupData([]*gxs.GroupPayload{newGroup(t, 5, 0)}))
	require.NoError(t, d.AddMsgData([]*gxs.MsgPayload{newMsg(t, g, msgSpec{n: 1, ts: 7})}))

	p, err := d.GetGroup(g)
	require.NoError(t, err)
	assert.Equal(t, "group-5", p.MetaData.Name)
	assert.Equal(t, int64(7), p.MetaData.LastPostTS)

	_, err = d.GetGroup(groupID(6))
	assert.ErrorIs(t, err, database.ErrNotFound)
	_, err = d.GetGroup(gxs.GroupID{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	flags := uint32(gxs.SubscribeSubscribed)
	require.NoError(t, d.UpdateGroupMetaData(gxs.GroupLocalUpdate{GroupID: g, SubscribeFlags: &flags}))
	assert.Equal(t, flags, p.MetaData.SubscribeFlags, "updates land on the shared instance")

	status := uint32(gxs.MsgStatusKeepForever)
	require.NoError(t, d.UpdateMsgMetaData(gxs.MsgLocalUpdate{GroupID: g, MsgID: msgID(1), MsgStatus: &status}))
	metas, err := s.RetrieveGxsMsgMetaData(map[gxs.GroupID][]gxs.MessageID{g: msgIDs(1)})
	require.NoError(t, err)
	require.Len(t, metas[g], 1)
	assert.Equal(t, status, metas[g][0].MsgStatus)

	updated := newGroup(t, 5, 0)
	updated.Data = []byte("re-signed")
	require.NoError(t, d.UpdateGroupData([]*gxs.GroupPayload{updated}))
	p, err = d.GetGroup(g)
	require.NoError(t, err)
	assert.Equal(t, []byte("re-signed"), p.Data)
	assert.Equal(t, flags, p.MetaData.SubscribeFlags, "local fields survive a data update")
}
