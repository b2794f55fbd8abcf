package database

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/aeolun/gxsstore/pkg/gxs"
)

const groupMetaColumns = `grpId, origGrpId, parentGrpId, grpName, grpFlags, signFlags, timeStamp,
	identity, circleId, circleType, authenFlags, intCircleId, originator,
	subscribeFlag, popularity, msgCount, grpStatus, lastPost, reputationCutoff,
	serv_string, recv_time_stamp, grpSize, keySet`

const msgMetaColumns = `msgId, grpId, origMsgId, parentId, threadId, identity, msgName,
	timeStamp, msgFlag, msgStatus, childTs, serv_string, recv_time_stamp, msgSize, signSet`

const payloadColumns = `meta_data, nxsData`

const (
	groupColumnCount = 25
	msgColumnCount   = 17
)

type rowScanner interface {
	Scan(dest ...any) error
}

func groupText(id gxs.GroupID) string {
	if id.IsNull() {
		return ""
	}
	return id.String()
}

func msgText(id gxs.MessageID) string {
	if id.IsNull() {
		return ""
	}
	return id.String()
}

func gxsText(id gxs.GxsID) string {
	if id.IsNull() {
		return ""
	}
	return id.String()
}

func peerText(id gxs.PeerID) string {
	if id.IsNull() {
		return ""
	}
	return id.String()
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

type idParser struct {
	err error
}

func (p *idParser) group(s string) gxs.GroupID {
	id, err := gxs.ParseGroupID(s)
	if err != nil && p.err == nil {
		p.err = err
	}
	return id
}

func (p *idParser) msg(s string) gxs.MessageID {
	id, err := gxs.ParseMessageID(s)
	if err != nil && p.err == nil {
		p.err = err
	}
	return id
}

func (p *idParser) gxsID(s string) gxs.GxsID {
	id, err := gxs.ParseGxsID(s)
	if err != nil && p.err == nil {
		p.err = err
	}
	return id
}

func (p *idParser) peer(s string) gxs.PeerID {
	id, err := gxs.ParsePeerID(s)
	if err != nil && p.err == nil {
		p.err = err
	}
	return id
}

// groupArgs returns the column values for groupMetaColumns + payloadColumns.
func (s *DataService) groupArgs(g *gxs.GroupMeta, p *gxs.GroupPayload) ([]any, error) {
	id := g.GroupID.String()
	keys, err := g.Keys.Encode()
	if err != nil {
		return nil, errors.Wrap(err, "encode key set")
	}
	keyBlob, err := s.blobs.encode(keys, blobAD("GROUPS", "keySet", id))
	if err != nil {
		return nil, err
	}
	metaBlob, err := s.blobs.encode(p.Meta, blobAD("GROUPS", "meta_data", id))
	if err != nil {
		return nil, err
	}
	dataBlob, err := s.blobs.encode(p.Data, blobAD("GROUPS", "nxsData", id))
	if err != nil {
		return nil, err
	}
	return []any{
		id, groupText(g.OrigGroupID), groupText(g.ParentGroupID), g.Name, g.GroupFlags, g.SignFlags, g.PublishTS,
		gxsText(g.AuthorID), gxsText(g.CircleID), g.CircleType, g.AuthenFlags, gxsText(g.InternalCircle), peerText(g.Originator),
		g.SubscribeFlags, g.Popularity, g.VisibleMsgCount, g.GroupStatus, g.LastPostTS, g.ReputationCutoff,
		g.ServiceString, g.ReceivedTS, g.GroupSize, keyBlob,
		metaBlob, dataBlob,
	}, nil
}

// scanGroup reads one row selected with groupMetaColumns, optionally
// followed by payloadColumns.
func (s *DataService) scanGroup(row rowScanner, withPayload bool) (*gxs.GroupMeta, *gxs.GroupPayload, error) {
	var (
		g                                                     gxs.GroupMeta
		id, orig, parent, author, circle, intCircle, originat string
		keyBlob, metaBlob, dataBlob                           []byte
	)
	dest := []any{
		&id, &orig, &parent, &g.Name, &g.GroupFlags, &g.SignFlags, &g.PublishTS,
		&author, &circle, &g.CircleType, &g.AuthenFlags, &intCircle, &originat,
		&g.SubscribeFlags, &g.Popularity, &g.VisibleMsgCount, &g.GroupStatus, &g.LastPostTS, &g.ReputationCutoff,
		&g.ServiceString, &g.ReceivedTS, &g.GroupSize, &keyBlob,
	}
	if withPayload {
		dest = append(dest, &metaBlob, &dataBlob)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, nil, err
	}

	var ids idParser
	g.GroupID = ids.group(id)
	g.OrigGroupID = ids.group(orig)
	g.ParentGroupID = ids.group(parent)
	g.AuthorID = ids.gxsID(author)
	g.CircleID = ids.gxsID(circle)
	g.InternalCircle = ids.gxsID(intCircle)
	g.Originator = ids.peer(originat)
	if ids.err != nil {
		return nil, nil, errors.Wrapf(ErrCorruptRecord, "group %s: %v", id, ids.err)
	}

	keys, err := s.blobs.decode(keyBlob, blobAD("GROUPS", "keySet", id))
	if err != nil {
		return nil, nil, err
	}
	if len(keys) > 0 {
		if _, err := g.Keys.Decode(keys, 0); err != nil {
			return nil, nil, errors.Wrapf(ErrCorruptRecord, "group %s key set: %v", id, err)
		}
	}
	if g.RepairSubscribeFlags() {
		s.metrics.RecordFlagRepair()
		logWarn("group %s: subscribe flags disagreed with key set, repaired to 0x%x", id, g.SubscribeFlags)
	}

	if !withPayload {
		return &g, nil, nil
	}
	p := &gxs.GroupPayload{GroupID: g.GroupID}
	if p.Meta, err = s.blobs.decode(metaBlob, blobAD("GROUPS", "meta_data", id)); err != nil {
		return nil, nil, err
	}
	if p.Data, err = s.blobs.decode(dataBlob, blobAD("GROUPS", "nxsData", id)); err != nil {
		return nil, nil, err
	}
	return &g, p, nil
}

// msgArgs returns the column values for msgMetaColumns + payloadColumns.
func (s *DataService) msgArgs(m *gxs.MsgMeta, p *gxs.MsgPayload) ([]any, error) {
	id := m.MsgID.String()
	signs, err := m.Signatures.Encode()
	if err != nil {
		return nil, errors.Wrap(err, "encode sign set")
	}
	signBlob, err := s.blobs.encode(signs, blobAD("MESSAGES", "signSet", id))
	if err != nil {
		return nil, err
	}
	metaBlob, err := s.blobs.encode(p.Meta, blobAD("MESSAGES", "meta_data", id))
	if err != nil {
		return nil, err
	}
	dataBlob, err := s.blobs.encode(p.Data, blobAD("MESSAGES", "nxsData", id))
	if err != nil {
		return nil, err
	}
	return []any{
		id, m.GroupID.String(), msgText(m.OrigMsgID), msgText(m.ParentID), msgText(m.ThreadID), gxsText(m.AuthorID), m.Name,
		m.PublishTS, m.MsgFlags, m.MsgStatus, m.ChildTS, m.ServiceString, m.ReceivedTS, m.MsgSize, signBlob,
		metaBlob, dataBlob,
	}, nil
}

// scanMsg reads one row selected with msgMetaColumns, optionally followed by
// payloadColumns.
func (s *DataService) scanMsg(row rowScanner, withPayload bool) (*gxs.MsgMeta, *gxs.MsgPayload, error) {
	var (
		m                                   gxs.MsgMeta
		id, grp, orig, parent, thread, auth string
		signBlob, metaBlob, dataBlob        []byte
	)
	dest := []any{
		&id, &grp, &orig, &parent, &thread, &auth, &m.Name,
		&m.PublishTS, &m.MsgFlags, &m.MsgStatus, &m.ChildTS, &m.ServiceString, &m.ReceivedTS, &m.MsgSize, &signBlob,
	}
	if withPayload {
		dest = append(dest, &metaBlob, &dataBlob)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, nil, err
	}

	var ids idParser
	m.MsgID = ids.msg(id)
	m.GroupID = ids.group(grp)
	m.OrigMsgID = ids.msg(orig)
	m.ParentID = ids.msg(parent)
	m.ThreadID = ids.msg(thread)
	m.AuthorID = ids.gxsID(auth)
	if ids.err != nil {
		return nil, nil, errors.Wrapf(ErrCorruptRecord, "message %s: %v", id, ids.err)
	}

	signs, err := s.blobs.decode(signBlob, blobAD("MESSAGES", "signSet", id))
	if err != nil {
		return nil, nil, err
	}
	if len(signs) > 0 {
		if m.Signatures, _, err = gxs.DecodeSignSet(signs, 0); err != nil {
			return nil, nil, errors.Wrapf(ErrCorruptRecord, "message %s sign set: %v", id, err)
		}
	}

	if !withPayload {
		return &m, nil, nil
	}
	p := &gxs.MsgPayload{GroupID: m.GroupID, MsgID: m.MsgID}
	if p.Meta, err = s.blobs.decode(metaBlob, blobAD("MESSAGES", "meta_data", id)); err != nil {
		return nil, nil, err
	}
	if p.Data, err = s.blobs.decode(dataBlob, blobAD("MESSAGES", "nxsData", id)); err != nil {
		return nil, nil, err
	}
	return &m, p, nil
}
