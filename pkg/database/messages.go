package database

import (
	"database/sql"
	"sort"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/aeolun/gxsstore/pkg/gxs"
)

type preparedMsg struct {
	meta    *gxs.MsgMeta
	payload *gxs.MsgPayload
}

func (s *DataService) prepareMsgs(payloads []*gxs.MsgPayload) []preparedMsg {
	now := s.now().Unix()
	seen := make(map[gxs.MessageID]struct{}, len(payloads))
	out := make([]preparedMsg, 0, len(payloads))
	for _, p := range payloads {
		if p == nil {
			continue
		}
		if p.Size() > s.maxItemSize {
			s.metrics.RecordRejected("MESSAGES", "too_large")
			logWarn("skipping message %s/%s: %v (%d > %d bytes)", p.GroupID, p.MsgID, ErrItemTooLarge, p.Size(), s.maxItemSize)
			continue
		}
		var meta *gxs.MsgMeta
		if p.MetaData != nil {
			meta = p.MetaData.Clone()
		} else {
			decoded, err := gxs.DecodeMsgEnvelope(p.Meta)
			if err != nil {
				s.metrics.RecordRejected("MESSAGES", "corrupt")
				logWarn("skipping message %s/%s: %v", p.GroupID, p.MsgID, err)
				continue
			}
			meta = decoded
		}
		if meta.GroupID.IsNull() {
			meta.GroupID = p.GroupID
		}
		if meta.MsgID.IsNull() {
			meta.MsgID = p.MsgID
		}
		if meta.GroupID != p.GroupID || meta.MsgID != p.MsgID || p.MsgID.IsNull() || p.GroupID.IsNull() {
			s.metrics.RecordRejected("MESSAGES", "id_mismatch")
			logWarn("skipping message %s/%s: metadata names %s/%s", p.GroupID, p.MsgID, meta.GroupID, meta.MsgID)
			continue
		}
		if _, dup := seen[meta.MsgID]; dup {
			continue
		}
		seen[meta.MsgID] = struct{}{}
		if meta.ReceivedTS == 0 {
			meta.ReceivedTS = now
		}
		meta.MsgSize = uint32(p.Size())
		out = append(out, preparedMsg{meta: meta, payload: p})
	}
	return out
}

// existingMsgIDs returns which of ids are already stored. Callers hold s.mu.
func existingMsgIDs(tx *sql.Tx, ids []gxs.MessageID) (map[gxs.MessageID]struct{}, error) {
	out := make(map[gxs.MessageID]struct{})
	for start := 0; start < len(ids); start += msgBatchSize {
		end := min(start+msgBatchSize, len(ids))
		rows, err := tx.Query(`SELECT msgId FROM MESSAGES WHERE msgId IN (`+placeholders(end-start)+`)`,
			msgArgsList(ids[start:end])...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var text string
			if err := rows.Scan(&text); err != nil {
				rows.Close()
				return nil, err
			}
			id, err := gxs.ParseMessageID(text)
			if err != nil {
				rows.Close()
				return nil, errors.Wrap(ErrCorruptRecord, err.Error())
			}
			out[id] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func msgArgsList(ids []gxs.MessageID) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	return args
}

// StoreMessage inserts new messages in one transaction and raises the
// owning groups' last post timestamps in the same transaction. Oversized or
// undecodable records are skipped and logged; messages that are already
// stored are left untouched. On success the message caches are patched in
// place without re-reading.
func (s *DataService) StoreMessage(payloads []*gxs.MsgPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepared := s.prepareMsgs(payloads)
	if len(prepared) == 0 {
		return s.checkOpen("store message")
	}

	var stored []preparedMsg
	err := s.withTx("store message", func(tx *sql.Tx) error {
		ids := make([]gxs.MessageID, len(prepared))
		for i, pm := range prepared {
			ids[i] = pm.meta.MsgID
		}
		existing, err := existingMsgIDs(tx, ids)
		if err != nil {
			return err
		}
		stored = stored[:0]
		for _, pm := range prepared {
			if _, ok := existing[pm.meta.MsgID]; ok {
				jww.DEBUG.Printf("[GXS-DB] message %s already stored, skipping", pm.meta.MsgID)
				continue
			}
			stored = append(stored, pm)
		}
		if err := s.batchInsertMessages(tx, stored); err != nil {
			return err
		}

		lastPost := make(map[gxs.GroupID]int64)
		for _, pm := range stored {
			if pm.meta.PublishTS > lastPost[pm.meta.GroupID] {
				lastPost[pm.meta.GroupID] = pm.meta.PublishTS
			}
		}
		for _, gid := range sortedGroupIDs(lastPost) {
			if _, err := tx.Exec(`UPDATE GROUPS SET lastPost = MAX(lastPost, ?) WHERE grpId = ?`,
				lastPost[gid], gid.String()); err != nil {
				return errors.Wrapf(err, "raise last post of group %s", gid)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, pm := range stored {
		s.msgCacheFor(pm.meta.GroupID).adopt(pm.meta.MsgID, pm.meta)
		if g, ok := s.grpCache.get(pm.meta.GroupID); ok && pm.meta.PublishTS > g.LastPostTS {
			g.LastPostTS = pm.meta.PublishTS
		}
	}
	jww.DEBUG.Printf("[GXS-DB] stored %d of %d messages", len(stored), len(payloads))
	return nil
}

// batchInsertMessages performs batched multi-row INSERTs. The batch size
// keeps the statement under SQLite's parameter limit.
func (s *DataService) batchInsertMessages(tx *sql.Tx, msgs []preparedMsg) error {
	for i := 0; i < len(msgs); i += msgBatchSize {
		end := min(i+msgBatchSize, len(msgs))
		batch := msgs[i:end]

		var qb strings.Builder
		qb.WriteString(`INSERT INTO MESSAGES (` + msgMetaColumns + `, ` + payloadColumns + `) VALUES `)
		row := "(" + placeholders(msgColumnCount) + ")"

		args := make([]any, 0, len(batch)*msgColumnCount)
		for j, pm := range batch {
			if j > 0 {
				qb.WriteString(", ")
			}
			qb.WriteString(row)
			a, err := s.msgArgs(pm.meta, pm.payload)
			if err != nil {
				return errors.WithMessagef(err, "message %s", pm.meta.MsgID)
			}
			args = append(args, a...)
		}
		if _, err := tx.Exec(qb.String(), args...); err != nil {
			return errors.Wrap(err, "failed to execute batch insert")
		}
	}
	return nil
}

// UpdateMessageMetaData applies a local-field patch to one message.
func (s *DataService) UpdateMessageMetaData(u gxs.MsgLocalUpdate) error {
	return s.UpdateMessageMetaDataBatch([]gxs.MsgLocalUpdate{u})
}

// UpdateMessageMetaDataBatch applies local-field patches in one transaction.
// If any row is missing or fails, nothing is applied. On success only the
// patched fields of cached instances are updated; nothing is re-read.
func (s *DataService) UpdateMessageMetaDataBatch(updates []gxs.MsgLocalUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx("update message meta", func(tx *sql.Tx) error {
		for _, u := range updates {
			if u.Empty() {
				continue
			}
			var (
				sets []string
				args []any
			)
			if u.MsgStatus != nil {
				sets = append(sets, "msgStatus = ?")
				args = append(args, *u.MsgStatus)
			}
			if u.ChildTS != nil {
				sets = append(sets, "childTs = ?")
				args = append(args, *u.ChildTS)
			}
			if u.ServiceString != nil {
				sets = append(sets, "serv_string = ?")
				args = append(args, *u.ServiceString)
			}
			args = append(args, u.GroupID.String(), u.MsgID.String())
			res, err := tx.Exec(`UPDATE MESSAGES SET `+strings.Join(sets, ", ")+` WHERE grpId = ? AND msgId = ?`, args...)
			if err != nil {
				return errors.Wrapf(err, "message %s", u.MsgID)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return errors.Wrapf(ErrNotFound, "message %s/%s", u.GroupID, u.MsgID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := range updates {
		u := &updates[i]
		c, ok := s.msgCache[u.GroupID]
		if !ok {
			continue
		}
		if m, ok := c.get(u.MsgID); ok {
			u.Apply(m)
		}
	}
	return nil
}

// RemoveMsgs deletes the listed messages. A group with an empty id list is
// left untouched.
func (s *DataService) RemoveMsgs(req map[gxs.GroupID][]gxs.MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx("remove messages", func(tx *sql.Tx) error {
		for _, gid := range sortedGroupIDs(req) {
			ids := dedupe(req[gid])
			for start := 0; start < len(ids); start += msgBatchSize {
				end := min(start+msgBatchSize, len(ids))
				args := append([]any{gid.String()}, msgArgsList(ids[start:end])...)
				if _, err := tx.Exec(`DELETE FROM MESSAGES WHERE grpId = ? AND msgId IN (`+placeholders(end-start)+`)`, args...); err != nil {
					return errors.Wrapf(err, "group %s", gid)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for gid, ids := range req {
		c, ok := s.msgCache[gid]
		if !ok {
			continue
		}
		for _, id := range ids {
			c.remove(id)
		}
	}
	return nil
}

// RetrieveMsgIDs returns the ids of all messages of a group.
func (s *DataService) RetrieveMsgIDs(gid gxs.GroupID) ([]gxs.MessageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("retrieve message ids"); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT msgId FROM MESSAGES WHERE grpId = ? ORDER BY timeStamp, msgId`, gid.String())
	if err != nil {
		return nil, storageErr("retrieve message ids", err)
	}
	defer rows.Close()

	var ids []gxs.MessageID
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, storageErr("retrieve message ids", err)
		}
		id, err := gxs.ParseMessageID(text)
		if err != nil {
			return nil, storageErr("retrieve message ids", errors.Wrap(ErrCorruptRecord, err.Error()))
		}
		ids = append(ids, id)
	}
	return ids, storageErr("retrieve message ids", rows.Err())
}

type msgRow struct {
	meta    *gxs.MsgMeta
	payload *gxs.MsgPayload
}

func (s *DataService) collectMsgRows(rows *sql.Rows, withPayload bool) ([]msgRow, error) {
	var out []msgRow
	for rows.Next() {
		m, p, err := s.scanMsg(rows, withPayload)
		if err != nil {
			return nil, err
		}
		out = append(out, msgRow{meta: m, payload: p})
	}
	return out, rows.Err()
}

// loadGroupMsgs reads every message row of a group in publish order.
// Callers hold s.mu.
func (s *DataService) loadGroupMsgs(gid gxs.GroupID, withPayload bool) ([]msgRow, error) {
	cols := msgMetaColumns
	if withPayload {
		cols += ", " + payloadColumns
	}
	rows, err := s.db.Query(`SELECT `+cols+` FROM MESSAGES WHERE grpId = ? ORDER BY timeStamp, msgId`, gid.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectMsgRows(rows, withPayload)
}

// fetchMsgs loads the listed messages of a group through the batch + repair
// algorithm. Callers hold s.mu.
func (s *DataService) fetchMsgs(gid gxs.GroupID, ids []gxs.MessageID, withPayload bool) (map[gxs.MessageID]msgRow, error) {
	cols := msgMetaColumns
	if withPayload {
		cols += ", " + payloadColumns
	}
	fetchBatch := func(batch []gxs.MessageID) (map[gxs.MessageID]msgRow, error) {
		args := append([]any{gid.String()}, msgArgsList(batch)...)
		rows, err := s.db.Query(`SELECT `+cols+` FROM MESSAGES WHERE grpId = ? AND msgId IN (`+placeholders(len(batch))+`)`, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		list, err := s.collectMsgRows(rows, withPayload)
		if err != nil {
			return nil, err
		}
		out := make(map[gxs.MessageID]msgRow, len(list))
		for _, r := range list {
			out[r.meta.MsgID] = r
		}
		return out, nil
	}
	fetchOne := func(id gxs.MessageID) (msgRow, bool, error) {
		row := s.db.QueryRow(`SELECT `+cols+` FROM MESSAGES WHERE grpId = ? AND msgId = ?`, gid.String(), id.String())
		m, p, err := s.scanMsg(row, withPayload)
		if errors.Is(err, sql.ErrNoRows) {
			return msgRow{}, false, nil
		}
		if err != nil {
			return msgRow{}, false, err
		}
		return msgRow{meta: m, payload: p}, true, nil
	}

	out, repaired, err := retrieveInBatches(ids, msgBatchSize, fetchBatch, fetchOne)
	s.metrics.RecordRepairedIDs("MESSAGES", repaired)
	return out, err
}

// RetrieveNxsMsgs returns the payloads of the requested messages. An empty
// id list for a group selects every message of that group. With withMeta
// set, each payload carries the shared cached metadata instance.
func (s *DataService) RetrieveNxsMsgs(req map[gxs.GroupID][]gxs.MessageID, withMeta bool) (map[gxs.GroupID][]*gxs.MsgPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("retrieve messages"); err != nil {
		return nil, err
	}

	out := make(map[gxs.GroupID][]*gxs.MsgPayload, len(req))
	for _, gid := range sortedGroupIDs(req) {
		var list []msgRow
		if ids := req[gid]; len(ids) == 0 {
			rows, err := s.loadGroupMsgs(gid, true)
			if err != nil {
				return nil, storageErr("retrieve messages", err)
			}
			list = rows
		} else {
			ids = dedupe(ids)
			found, err := s.fetchMsgs(gid, ids, true)
			if err != nil {
				return nil, storageErr("retrieve messages", err)
			}
			for _, id := range ids {
				if r, ok := found[id]; ok {
					list = append(list, r)
				}
			}
		}

		payloads := make([]*gxs.MsgPayload, 0, len(list))
		for _, r := range list {
			if withMeta {
				r.payload.MetaData = s.msgCacheFor(gid).adopt(r.meta.MsgID, r.meta)
			}
			payloads = append(payloads, r.payload)
		}
		out[gid] = payloads
	}
	return out, nil
}

// RetrieveGxsMsgMetaData returns the shared metadata instances of the
// requested messages. An empty id list for a group selects every message of
// that group, served from the cache when the group's cache is complete.
func (s *DataService) RetrieveGxsMsgMetaData(req map[gxs.GroupID][]gxs.MessageID) (map[gxs.GroupID][]*gxs.MsgMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("retrieve message meta"); err != nil {
		return nil, err
	}

	out := make(map[gxs.GroupID][]*gxs.MsgMeta, len(req))
	for _, gid := range sortedGroupIDs(req) {
		c := s.msgCacheFor(gid)
		ids := req[gid]

		if len(ids) == 0 {
			if c.isComplete() {
				s.metrics.RecordCacheHit("msg", c.len())
			} else {
				s.metrics.RecordCacheMiss("msg", 1)
				if err := s.reconcileGroupMsgs(gid, c); err != nil {
					return nil, storageErr("retrieve message meta", err)
				}
			}
			list := make([]*gxs.MsgMeta, 0, c.len())
			c.each(func(_ gxs.MessageID, m *gxs.MsgMeta) { list = append(list, m) })
			sortMsgMeta(list)
			out[gid] = list
			continue
		}

		ids = dedupe(ids)
		list := make([]*gxs.MsgMeta, 0, len(ids))
		var missing []gxs.MessageID
		for _, id := range ids {
			if _, ok := c.get(id); !ok && !c.isComplete() {
				missing = append(missing, id)
			}
		}
		s.metrics.RecordCacheHit("msg", len(ids)-len(missing))
		s.metrics.RecordCacheMiss("msg", len(missing))
		if len(missing) > 0 {
			found, err := s.fetchMsgs(gid, missing, false)
			if err != nil {
				return nil, storageErr("retrieve message meta", err)
			}
			for id, r := range found {
				c.adopt(id, r.meta)
			}
		}
		for _, id := range ids {
			if m, ok := c.get(id); ok {
				list = append(list, m)
			}
		}
		out[gid] = list
	}
	return out, nil
}

// reconcileGroupMsgs refreshes a group's message cache from disk and marks
// it complete. Callers hold s.mu.
func (s *DataService) reconcileGroupMsgs(gid gxs.GroupID, c *metaCache[gxs.MessageID, gxs.MsgMeta]) error {
	rows, err := s.loadGroupMsgs(gid, false)
	if err != nil {
		return err
	}
	seen := make(map[gxs.MessageID]struct{}, len(rows))
	for _, r := range rows {
		seen[r.meta.MsgID] = struct{}{}
		c.put(r.meta.MsgID, r.meta)
	}
	var stale []gxs.MessageID
	c.each(func(id gxs.MessageID, _ *gxs.MsgMeta) {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	})
	for _, id := range stale {
		c.remove(id)
	}
	c.markComplete()
	return nil
}

// sortMsgMeta orders messages by publish time, then id.
func sortMsgMeta(list []*gxs.MsgMeta) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].PublishTS != list[j].PublishTS {
			return list[i].PublishTS < list[j].PublishTS
		}
		return list[i].MsgID.Less(list[j].MsgID)
	})
}
