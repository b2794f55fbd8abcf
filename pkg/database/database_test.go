package database

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/gxsstore/pkg/gxs"
)

func TestStoreAndRetrieveGroups(t *testing.T) {
	s, _ := openTestStore(t, Options{})

	payloads := []*gxs.GroupPayload{testGroup(t, 3), testGroup(t, 1), testGroup(t, 2)}
	require.NoError(t, s.StoreGroup(payloads))

	ids, err := s.RetrieveGroupIDs()
	require.NoError(t, err)
	assert.Equal(t, []gxs.GroupID{groupID(1), groupID(2), groupID(3)}, ids)

	got, err := s.RetrieveNxsGrps(nil, true)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, p := range payloads {
		stored := got[p.GroupID]
		require.NotNil(t, stored)
		assert.Equal(t, p.Data, stored.Data)
		assert.Equal(t, p.Meta, stored.Meta)
		assert.Equal(t, p.MetaData.Name, stored.MetaData.Name)
		assert.Equal(t, uint32(p.Size()), stored.MetaData.GroupSize)
		assert.NotZero(t, stored.MetaData.ReceivedTS)
	}
}

func TestStoreGroupFromEnvelopeOnly(t *testing.T) {
	s, _ := openTestStore(t, Options{})

	p := testGroup(t, 1)
	p.MetaData.PublishTS = 4242
	env, err := p.MetaData.EncodeEnvelope()
	require.NoError(t, err)
	p.Meta = env
	p.MetaData = nil

	bad := testGroup(t, 2)
	bad.MetaData = nil
	bad.Meta = []byte{0x01, 0x02, 0x03}

	require.NoError(t, s.StoreGroup([]*gxs.GroupPayload{p, bad}))

	meta, err := s.RetrieveGxsGrpMetaData(nil)
	require.NoError(t, err)
	require.Len(t, meta, 1)
	assert.Equal(t, "group-1", meta[groupID(1)].Name)
	assert.Equal(t, int64(4242), meta[groupID(1)].PublishTS)
}

func TestStoreGroupSkipsInvalidRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, _ := openTestStore(t, Options{MaxItemSize: 1024, Metrics: NewMetrics(reg)})

	big := testGroup(t, 2)
	big.Data = bytes.Repeat([]byte{0x5a}, 2048)

	mismatched := testGroup(t, 3)
	mismatched.GroupID = groupID(9)

	require.NoError(t, s.StoreGroup([]*gxs.GroupPayload{testGroup(t, 1), big, mismatched, testGroup(t, 4)}))

	ids, err := s.RetrieveGroupIDs()
	require.NoError(t, err)
	assert.Equal(t, []gxs.GroupID{groupID(1), groupID(4)}, ids)

	assert.Equal(t, 1.0, counterValue(t, reg, "gxs_store_rejected_items_total", "table", "GROUPS", "reason", "too_large"))
	assert.Equal(t, 1.0, counterValue(t, reg, "gxs_store_rejected_items_total", "table", "GROUPS", "reason", "id_mismatch"))
}

func TestGroupMetaSingleInstance(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	require.NoError(t, s.StoreGroup([]*gxs.GroupPayload{testGroup(t, 1), testGroup(t, 2)}))

	byID, err := s.RetrieveGxsGrpMetaData([]gxs.GroupID{groupID(1)})
	require.NoError(t, err)
	all, err := s.RetrieveGxsGrpMetaData(nil)
	require.NoError(t, err)
	withPayload, err := s.RetrieveNxsGrps([]gxs.GroupID{groupID(1)}, true)
	require.NoError(t, err)

	first := byID[groupID(1)]
	assert.Same(t, first, all[groupID(1)])
	assert.Same(t, first, withPayload[groupID(1)].MetaData)

	// Storing again refreshes the shared instance in place.
	renamed := testGroup(t, 1)
	renamed.MetaData.Name = "renamed"
	require.NoError(t, s.StoreGroup([]*gxs.GroupPayload{renamed}))
	assert.Equal(t, "renamed", first.Name)

	again, err := s.RetrieveGxsGrpMetaData([]gxs.GroupID{groupID(1)})
	require.NoError(t, err)
	assert.Same(t, first, again[groupID(1)])
}

func TestUpdateGroupKeepsLocalFields(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	require.NoError(t, s.StoreGroup([]*gxs.GroupPayload{testGroup(t, 1)}))

	pop := uint32(17)
	svc := "local state"
	require.NoError(t, s.UpdateGroupMetaData(gxs.GroupLocalUpdate{GroupID: groupID(1), Popularity: &pop, ServiceString: &svc}))

	cached, err := s.RetrieveGxsGrpMetaData([]gxs.GroupID{groupID(1)})
	require.NoError(t, err)
	g := cached[groupID(1)]

	next := testGroup(t, 1)
	next.MetaData.Name = "second edition"
	next.MetaData.Popularity = 0
	next.Data = []byte("new body")
	require.NoError(t, s.UpdateGroup([]*gxs.GroupPayload{next}))

	assert.Equal(t, "second edition", g.Name)
	assert.Equal(t, uint32(17), g.Popularity)
	assert.Equal(t, "local state", g.ServiceString)

	got, err := s.RetrieveNxsGrps([]gxs.GroupID{groupID(1)}, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("new body"), got[groupID(1)].Data)
}

func TestUpdateGroupKeysInvalidatesCache(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	require.NoError(t, s.StoreGroup([]*gxs.GroupPayload{testGroup(t, 1), testGroup(t, 2)}))

	before, err := s.RetrieveGxsGrpMetaData(nil)
	require.NoError(t, err)
	require.True(t, s.grpCache.isComplete())

	admin := gxs.SecurityKey{KeyID: gxs.GxsID{9}, Flags: gxs.KeyFull | gxs.KeyDistribAdmin, KeyData: []byte("private admin")}
	keys := gxs.KeySet{PrivateKeys: map[gxs.GxsID]gxs.SecurityKey{admin.KeyID: admin}}
	require.NoError(t, s.UpdateGroupKeys(groupID(1), keys, gxs.SubscribeSubscribed))

	assert.False(t, s.grpCache.isComplete())
	_, cached := s.grpCache.get(groupID(1))
	assert.False(t, cached)

	after, err := s.RetrieveGxsGrpMetaData([]gxs.GroupID{groupID(1)})
	require.NoError(t, err)
	g := after[groupID(1)]
	assert.NotSame(t, before[groupID(1)], g)
	assert.Equal(t, uint32(gxs.SubscribeSubscribed|gxs.SubscribeAdmin), g.SubscribeFlags)
	assert.Len(t, g.Keys.PrivateKeys, 1)

	err = s.UpdateGroupKeys(groupID(7), keys, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateGroupMetaData(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	require.NoError(t, s.StoreGroup([]*gxs.GroupPayload{testGroup(t, 1)}))

	meta, err := s.RetrieveGxsGrpMetaData(nil)
	require.NoError(t, err)
	g := meta[groupID(1)]

	status := uint32(gxs.GroupStatusUnprocessed)
	cutoff := uint32(3)
	require.NoError(t, s.UpdateGroupMetaData(gxs.GroupLocalUpdate{GroupID: groupID(1), GroupStatus: &status, ReputationCutoff: &cutoff}))
	assert.Equal(t, status, g.GroupStatus)
	assert.Equal(t, cutoff, g.ReputationCutoff)

	// disk agrees with the cached instance
	s.mu.Lock()
	s.grpCache.clear()
	s.mu.Unlock()
	reloaded, err := s.RetrieveGxsGrpMetaData([]gxs.GroupID{groupID(1)})
	require.NoError(t, err)
	assert.Equal(t, status, reloaded[groupID(1)].GroupStatus)
	assert.Equal(t, cutoff, reloaded[groupID(1)].ReputationCutoff)

	err = s.UpdateGroupMetaData(gxs.GroupLocalUpdate{GroupID: groupID(5), GroupStatus: &status})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGroupSignaturesStayInEnvelope(t *testing.T) {
	s, _ := openTestStore(t, Options{})

	p := testGroup(t, 1)
	p.MetaData.Signatures = gxs.SignSet{gxs.SignAdmin: {KeyID: gxs.GxsID{9}, SignData: []byte("admin")}}
	env, err := p.MetaData.EncodeEnvelope()
	require.NoError(t, err)
	p.Meta = env
	require.NoError(t, s.StoreGroup([]*gxs.GroupPayload{p}))

	meta, err := s.RetrieveGxsGrpMetaData(nil)
	require.NoError(t, err)
	cached := meta[groupID(1)]
	assert.Empty(t, cached.Signatures)

	s.mu.Lock()
	s.grpCache.clear()
	s.mu.Unlock()
	stored, err := s.RetrieveNxsGrps([]gxs.GroupID{groupID(1)}, true)
	require.NoError(t, err)
	reloaded := stored[groupID(1)]
	assert.Equal(t, cached.Signatures, reloaded.MetaData.Signatures)
	assert.Equal(t, cached.Name, reloaded.MetaData.Name)

	decoded, err := gxs.DecodeGroupEnvelope(reloaded.Meta)
	require.NoError(t, err)
	assert.Equal(t, []byte("admin"), decoded.Signatures[gxs.SignAdmin].SignData)

	// UpdateGroup refreshes from disk; the result must not differ from StoreGroup.
	require.NoError(t, s.UpdateGroup([]*gxs.GroupPayload{p}))
	after, err := s.RetrieveGxsGrpMetaData([]gxs.GroupID{groupID(1)})
	require.NoError(t, err)
	assert.Empty(t, after[groupID(1)].Signatures)
}

func TestRemoveGroupsDeletesMessages(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	require.NoError(t, s.StoreGroup([]*gxs.GroupPayload{testGroup(t, 1), testGroup(t, 2)}))
	require.NoError(t, s.StoreMessage([]*gxs.MsgPayload{
		testMsg(t, groupID(1), 1, -1, -1, 100),
		testMsg(t, groupID(2), 2, -1, -1, 100),
	}))

	require.NoError(t, s.RemoveGroups([]gxs.GroupID{groupID(1)}))

	ids, err := s.RetrieveGroupIDs()
	require.NoError(t, err)
	assert.Equal(t, []gxs.GroupID{groupID(2)}, ids)

	msgs, err := s.RetrieveGxsMsgMetaData(map[gxs.GroupID][]gxs.MessageID{groupID(1): nil, groupID(2): nil})
	require.NoError(t, err)
	assert.Empty(t, msgs[groupID(1)])
	assert.Len(t, msgs[groupID(2)], 1)
}

func TestEncryptedStore(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	s, path := openTestStore(t, Options{Key: key})

	p := testGroup(t, 1)
	p.Data = []byte(strings.Repeat("plain group payload ", 64))
	require.NoError(t, s.StoreGroup([]*gxs.GroupPayload{p}))

	var raw []byte
	require.NoError(t, s.db.QueryRow(`SELECT nxsData FROM GROUPS`).Scan(&raw))
	assert.False(t, bytes.Contains(raw, []byte("plain group payload")))
	assert.Equal(t, byte(blobCompressed|blobEncrypted), raw[0])
	require.NoError(t, s.Close())

	reopened, err := Open(path, Options{Key: key})
	require.NoError(t, err)
	got, err := reopened.RetrieveNxsGrps(nil, false)
	require.NoError(t, err)
	assert.Equal(t, p.Data, got[groupID(1)].Data)
	require.NoError(t, reopened.Close())

	wrong, err := Open(path, Options{Key: bytes.Repeat([]byte{0x22}, 32)})
	require.NoError(t, err)
	defer wrong.Close()
	_, err = wrong.RetrieveNxsGrps(nil, false)
	assert.ErrorIs(t, err, ErrCorruptRecord)

	plain, err := Open(path, Options{})
	require.NoError(t, err)
	defer plain.Close()
	_, err = plain.RetrieveNxsGrps(nil, false)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestResetDataStore(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	require.NoError(t, s.StoreGroup([]*gxs.GroupPayload{testGroup(t, 1)}))
	_, err := s.RetrieveGxsGrpMetaData(nil)
	require.NoError(t, err)

	require.NoError(t, s.ResetDataStore())

	ids, err := s.RetrieveGroupIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
	meta, err := s.RetrieveGxsGrpMetaData(nil)
	require.NoError(t, err)
	assert.Empty(t, meta)

	release, err := s.Release()
	require.NoError(t, err)
	assert.Equal(t, CurrentRelease, release)
}

func TestClosedStore(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.StoreGroup([]*gxs.GroupPayload{testGroup(t, 1)})
	assert.ErrorIs(t, err, ErrClosed)

	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "store group", se.Op)

	_, err = s.RetrieveGroupIDs()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.RetrieveGxsMsgMetaData(map[gxs.GroupID][]gxs.MessageID{groupID(1): nil})
	assert.ErrorIs(t, err, ErrClosed)
}
