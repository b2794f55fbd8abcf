package database

import (
	"database/sql"
	"sort"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/aeolun/gxsstore/pkg/gxs"
)

type preparedGroup struct {
	meta    *gxs.GroupMeta
	payload *gxs.GroupPayload
}

// prepareGroups resolves the metadata of each payload and drops the ones
// that are oversized or carry no usable metadata. Nothing is written here.
func (s *DataService) prepareGroups(payloads []*gxs.GroupPayload) []preparedGroup {
	now := s.now().Unix()
	out := make([]preparedGroup, 0, len(payloads))
	for _, p := range payloads {
		if p == nil {
			continue
		}
		if p.Size() > s.maxItemSize {
			s.metrics.RecordRejected("GROUPS", "too_large")
			logWarn("skipping group %s: %v (%d > %d bytes)", p.GroupID, ErrItemTooLarge, p.Size(), s.maxItemSize)
			continue
		}
		var meta *gxs.GroupMeta
		if p.MetaData != nil {
			meta = p.MetaData.Clone()
		} else {
			decoded, err := gxs.DecodeGroupEnvelope(p.Meta)
			if err != nil {
				s.metrics.RecordRejected("GROUPS", "corrupt")
				logWarn("skipping group %s: %v", p.GroupID, err)
				continue
			}
			meta = decoded
		}
		if meta.GroupID.IsNull() {
			meta.GroupID = p.GroupID
		}
		if meta.GroupID != p.GroupID || meta.GroupID.IsNull() {
			s.metrics.RecordRejected("GROUPS", "id_mismatch")
			logWarn("skipping group %s: metadata names group %s", p.GroupID, meta.GroupID)
			continue
		}
		if meta.ReceivedTS == 0 {
			meta.ReceivedTS = now
		}
		if meta.RepairSubscribeFlags() {
			s.metrics.RecordFlagRepair()
			logWarn("group %s: subscribe flags disagreed with key set, repaired to 0x%x", meta.GroupID, meta.SubscribeFlags)
		}
		// Group signatures live only in the meta envelope; the cached
		// instance must match what a row reload produces.
		meta.Signatures = nil
		meta.GroupSize = uint32(p.Size())
		out = append(out, preparedGroup{meta: meta, payload: p})
	}
	return out
}

// StoreGroup inserts or replaces whole group rows in one transaction.
// Oversized or undecodable records are skipped and logged; the rest are
// stored. The group cache is refreshed in place for every stored id.
func (s *DataService) StoreGroup(payloads []*gxs.GroupPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepared := s.prepareGroups(payloads)
	if len(prepared) == 0 {
		return s.checkOpen("store group")
	}

	query := `INSERT OR REPLACE INTO GROUPS (` + groupMetaColumns + `, ` + payloadColumns + `)
		VALUES (` + placeholders(groupColumnCount) + `)`
	err := s.withTx("store group", func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, pg := range prepared {
			args, err := s.groupArgs(pg.meta, pg.payload)
			if err != nil {
				return errors.WithMessagef(err, "group %s", pg.meta.GroupID)
			}
			if _, err := stmt.Exec(args...); err != nil {
				return errors.Wrapf(err, "group %s", pg.meta.GroupID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, pg := range prepared {
		s.grpCache.put(pg.meta.GroupID, pg.meta)
	}
	jww.DEBUG.Printf("[GXS-DB] stored %d of %d groups", len(prepared), len(payloads))
	return nil
}

// UpdateGroup replaces the distributed part of existing or new group rows
// (payload, meta envelope, key set and authorship columns) while keeping the
// local-only columns of rows that already exist. The cache entries of the
// updated groups are re-read from disk in place.
func (s *DataService) UpdateGroup(payloads []*gxs.GroupPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepared := s.prepareGroups(payloads)
	if len(prepared) == 0 {
		return s.checkOpen("update group")
	}

	query := `INSERT INTO GROUPS (` + groupMetaColumns + `, ` + payloadColumns + `)
		VALUES (` + placeholders(groupColumnCount) + `)
		ON CONFLICT(grpId) DO UPDATE SET
			origGrpId = excluded.origGrpId,
			parentGrpId = excluded.parentGrpId,
			grpName = excluded.grpName,
			grpFlags = excluded.grpFlags,
			signFlags = excluded.signFlags,
			timeStamp = excluded.timeStamp,
			identity = excluded.identity,
			circleId = excluded.circleId,
			circleType = excluded.circleType,
			authenFlags = excluded.authenFlags,
			intCircleId = excluded.intCircleId,
			originator = excluded.originator,
			grpSize = excluded.grpSize,
			keySet = excluded.keySet,
			meta_data = excluded.meta_data,
			nxsData = excluded.nxsData`
	ids := make([]gxs.GroupID, 0, len(prepared))
	err := s.withTx("update group", func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, pg := range prepared {
			args, err := s.groupArgs(pg.meta, pg.payload)
			if err != nil {
				return errors.WithMessagef(err, "group %s", pg.meta.GroupID)
			}
			if _, err := stmt.Exec(args...); err != nil {
				return errors.Wrapf(err, "group %s", pg.meta.GroupID)
			}
			ids = append(ids, pg.meta.GroupID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	fresh, _, err := retrieveInBatches(ids, groupMetaBatchSize, s.fetchGroupMetaBatch, s.fetchGroupMetaOne)
	if err != nil {
		// rows are committed; force the next read to go to disk
		for _, id := range ids {
			s.grpCache.invalidate(id)
		}
		return storageErr("update group", err)
	}
	for id, g := range fresh {
		s.grpCache.put(id, g)
	}
	return nil
}

// UpdateGroupKeys rewrites the key set and subscribe flags of one group.
// The cache entry is invalidated rather than refreshed.
func (s *DataService) UpdateGroupKeys(id gxs.GroupID, keys gxs.KeySet, subscribeFlags uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := keys.Encode()
	if err != nil {
		return storageErr("update group keys", err)
	}
	keyBlob, err := s.blobs.encode(encoded, blobAD("GROUPS", "keySet", id.String()))
	if err != nil {
		return storageErr("update group keys", err)
	}

	err = s.withTx("update group keys", func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE GROUPS SET keySet = ?, subscribeFlag = ? WHERE grpId = ?`,
			keyBlob, subscribeFlags, id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrapf(ErrNotFound, "group %s", id)
		}
		return nil
	})
	s.grpCache.invalidate(id)
	return err
}

// UpdateGroupMetaData applies a local-field patch to one group, on disk and
// on the cached instance.
func (s *DataService) UpdateGroupMetaData(u gxs.GroupLocalUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.Empty() {
		return s.checkOpen("update group meta")
	}

	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.SubscribeFlags != nil {
		add("subscribeFlag", *u.SubscribeFlags)
	}
	if u.Popularity != nil {
		add("popularity", *u.Popularity)
	}
	if u.VisibleMsgCount != nil {
		add("msgCount", *u.VisibleMsgCount)
	}
	if u.GroupStatus != nil {
		add("grpStatus", *u.GroupStatus)
	}
	if u.LastPostTS != nil {
		add("lastPost", *u.LastPostTS)
	}
	if u.ReputationCutoff != nil {
		add("reputationCutoff", *u.ReputationCutoff)
	}
	if u.ServiceString != nil {
		add("serv_string", *u.ServiceString)
	}
	args = append(args, u.GroupID.String())

	err := s.withTx("update group meta", func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE GROUPS SET `+strings.Join(sets, ", ")+` WHERE grpId = ?`, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrapf(ErrNotFound, "group %s", u.GroupID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if g, ok := s.grpCache.get(u.GroupID); ok {
		u.Apply(g)
	}
	return nil
}

// RemoveGroups deletes groups and all their messages.
func (s *DataService) RemoveGroups(ids []gxs.GroupID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids = dedupe(ids)
	if len(ids) == 0 {
		return s.checkOpen("remove groups")
	}
	err := s.withTx("remove groups", func(tx *sql.Tx) error {
		for start := 0; start < len(ids); start += groupBatchSize {
			end := min(start+groupBatchSize, len(ids))
			args := groupArgsList(ids[start:end])
			in := placeholders(len(args))
			if _, err := tx.Exec(`DELETE FROM MESSAGES WHERE grpId IN (`+in+`)`, args...); err != nil {
				return err
			}
			if _, err := tx.Exec(`DELETE FROM GROUPS WHERE grpId IN (`+in+`)`, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.grpCache.remove(id)
		delete(s.msgCache, id)
	}
	return nil
}

func groupArgsList(ids []gxs.GroupID) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	return args
}

// RetrieveGroupIDs returns the ids of all stored groups in ascending order.
func (s *DataService) RetrieveGroupIDs() ([]gxs.GroupID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("retrieve group ids"); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT grpId FROM GROUPS ORDER BY grpId`)
	if err != nil {
		return nil, storageErr("retrieve group ids", err)
	}
	defer rows.Close()

	var ids []gxs.GroupID
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, storageErr("retrieve group ids", err)
		}
		id, err := gxs.ParseGroupID(text)
		if err != nil {
			return nil, storageErr("retrieve group ids", errors.Wrap(ErrCorruptRecord, err.Error()))
		}
		ids = append(ids, id)
	}
	return ids, storageErr("retrieve group ids", rows.Err())
}

// fetchGroupMetaBatch loads the metadata rows of ids. Callers hold s.mu.
func (s *DataService) fetchGroupMetaBatch(ids []gxs.GroupID) (map[gxs.GroupID]*gxs.GroupMeta, error) {
	rows, err := s.db.Query(`SELECT `+groupMetaColumns+` FROM GROUPS WHERE grpId IN (`+placeholders(len(ids))+`)`,
		groupArgsList(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[gxs.GroupID]*gxs.GroupMeta, len(ids))
	for rows.Next() {
		g, _, err := s.scanGroup(rows, false)
		if err != nil {
			return nil, err
		}
		out[g.GroupID] = g
	}
	return out, rows.Err()
}

func (s *DataService) fetchGroupMetaOne(id gxs.GroupID) (*gxs.GroupMeta, bool, error) {
	row := s.db.QueryRow(`SELECT `+groupMetaColumns+` FROM GROUPS WHERE grpId = ?`, id.String())
	g, _, err := s.scanGroup(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return g, true, nil
}

// loadAllGroupMeta reads every group row and reconciles the cache with it:
// cached instances are updated in place, new rows are added, and entries
// whose rows are gone are dropped. Callers hold s.mu.
func (s *DataService) loadAllGroupMeta() error {
	rows, err := s.db.Query(`SELECT ` + groupMetaColumns + ` FROM GROUPS`)
	if err != nil {
		return err
	}
	defer rows.Close()

	seen := make(map[gxs.GroupID]struct{})
	for rows.Next() {
		g, _, err := s.scanGroup(rows, false)
		if err != nil {
			return err
		}
		seen[g.GroupID] = struct{}{}
		s.grpCache.put(g.GroupID, g)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var stale []gxs.GroupID
	s.grpCache.each(func(id gxs.GroupID, _ *gxs.GroupMeta) {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	})
	for _, id := range stale {
		s.grpCache.remove(id)
	}
	s.grpCache.markComplete()
	return nil
}

// RetrieveGxsGrpMetaData returns the shared metadata instances of ids, or of
// every group when ids is empty. Ids that are not stored are absent from
// the result.
func (s *DataService) RetrieveGxsGrpMetaData(ids []gxs.GroupID) (map[gxs.GroupID]*gxs.GroupMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("retrieve group meta"); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		if s.grpCache.isComplete() {
			s.metrics.RecordCacheHit("group", s.grpCache.len())
		} else {
			s.metrics.RecordCacheMiss("group", 1)
			if err := s.loadAllGroupMeta(); err != nil {
				return nil, storageErr("retrieve group meta", err)
			}
		}
		out := make(map[gxs.GroupID]*gxs.GroupMeta, s.grpCache.len())
		s.grpCache.each(func(id gxs.GroupID, g *gxs.GroupMeta) { out[id] = g })
		return out, nil
	}

	out := make(map[gxs.GroupID]*gxs.GroupMeta, len(ids))
	var missing []gxs.GroupID
	for _, id := range dedupe(ids) {
		if g, ok := s.grpCache.get(id); ok {
			out[id] = g
			continue
		}
		if !s.grpCache.isComplete() {
			missing = append(missing, id)
		}
	}
	s.metrics.RecordCacheHit("group", len(out))
	s.metrics.RecordCacheMiss("group", len(missing))
	if len(missing) == 0 {
		return out, nil
	}

	loaded, repaired, err := retrieveInBatches(missing, groupMetaBatchSize, s.fetchGroupMetaBatch, s.fetchGroupMetaOne)
	if err != nil {
		return nil, storageErr("retrieve group meta", err)
	}
	s.metrics.RecordRepairedIDs("GROUPS", repaired)
	for id, g := range loaded {
		out[id] = s.grpCache.adopt(id, g)
	}
	return out, nil
}

// fetchGroupBatch loads full group rows. Callers hold s.mu.
func (s *DataService) fetchGroupBatch(ids []gxs.GroupID) (map[gxs.GroupID]groupRow, error) {
	rows, err := s.db.Query(`SELECT `+groupMetaColumns+`, `+payloadColumns+` FROM GROUPS WHERE grpId IN (`+placeholders(len(ids))+`)`,
		groupArgsList(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectGroupRows(rows)
}

func (s *DataService) fetchGroupOne(id gxs.GroupID) (groupRow, bool, error) {
	row := s.db.QueryRow(`SELECT `+groupMetaColumns+`, `+payloadColumns+` FROM GROUPS WHERE grpId = ?`, id.String())
	g, p, err := s.scanGroup(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return groupRow{}, false, nil
	}
	if err != nil {
		return groupRow{}, false, err
	}
	return groupRow{meta: g, payload: p}, true, nil
}

type groupRow struct {
	meta    *gxs.GroupMeta
	payload *gxs.GroupPayload
}

func (s *DataService) collectGroupRows(rows *sql.Rows) (map[gxs.GroupID]groupRow, error) {
	out := make(map[gxs.GroupID]groupRow)
	for rows.Next() {
		g, p, err := s.scanGroup(rows, true)
		if err != nil {
			return nil, err
		}
		out[g.GroupID] = groupRow{meta: g, payload: p}
	}
	return out, rows.Err()
}

// RetrieveNxsGrps returns the payloads of ids, or of every group when ids is
// empty. With withMeta set, each payload carries the shared cached metadata
// instance of its group.
func (s *DataService) RetrieveNxsGrps(ids []gxs.GroupID, withMeta bool) (map[gxs.GroupID]*gxs.GroupPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("retrieve groups"); err != nil {
		return nil, err
	}

	var (
		loaded map[gxs.GroupID]groupRow
		err    error
	)
	if len(ids) == 0 {
		var rows *sql.Rows
		rows, err = s.db.Query(`SELECT ` + groupMetaColumns + `, ` + payloadColumns + ` FROM GROUPS`)
		if err == nil {
			loaded, err = s.collectGroupRows(rows)
			rows.Close()
		}
	} else {
		var repaired int
		loaded, repaired, err = retrieveInBatches(dedupe(ids), groupBatchSize, s.fetchGroupBatch, s.fetchGroupOne)
		s.metrics.RecordRepairedIDs("GROUPS", repaired)
	}
	if err != nil {
		return nil, storageErr("retrieve groups", err)
	}

	out := make(map[gxs.GroupID]*gxs.GroupPayload, len(loaded))
	for id, r := range loaded {
		if withMeta {
			r.payload.MetaData = s.grpCache.adopt(id, r.meta)
		}
		out[id] = r.payload
	}
	return out, nil
}

// sortedGroupIDs returns the keys of m in ascending order.
func sortedGroupIDs[V any](m map[gxs.GroupID]V) []gxs.GroupID {
	ids := make([]gxs.GroupID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}
