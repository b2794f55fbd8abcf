package gxs

import (
	"github.com/aeolun/gxsstore/pkg/tlv"
)

// GroupPayload is a group as handed in by a service layer: the opaque signed
// group blob, the opaque meta envelope and, when known, the decoded metadata.
type GroupPayload struct {
	GroupID  GroupID
	Data     []byte
	Meta     []byte
	MetaData *GroupMeta
}

// Size is the stored size of the payload (data + meta envelope).
func (p *GroupPayload) Size() int {
	return len(p.Data) + len(p.Meta)
}

// MsgPayload is a message as handed in by a service layer.
type MsgPayload struct {
	GroupID  GroupID
	MsgID    MessageID
	Data     []byte
	Meta     []byte
	MetaData *MsgMeta
}

// Size is the stored size of the payload (data + meta envelope).
func (p *MsgPayload) Size() int {
	return len(p.Data) + len(p.Meta)
}

// Serialize encodes the group into the transferable form returned by
// serialized-data requests.
func (p *GroupPayload) Serialize() ([]byte, error) {
	c := tlv.NewContainer(itemSerializedGroup)
	fw := &fieldWriter{w: c}
	fw.fixed(itemGroupID, p.GroupID[:])
	fw.fixed(itemData, p.Data)
	fw.fixed(itemMeta, p.Meta)
	if fw.err != nil {
		return nil, fw.err
	}
	return c.Bytes()
}

// DeserializeGroup reads a group written by Serialize at offset and returns
// the offset following it. MetaData is left nil.
func DeserializeGroup(data []byte, offset int) (*GroupPayload, int, error) {
	body, next, err := tlv.ReadItem(data, offset, itemSerializedGroup)
	if err != nil {
		return nil, offset, err
	}
	p := &GroupPayload{}
	off, err := tlv.ReadFixed(body, 0, itemGroupID, p.GroupID[:])
	if err != nil {
		return nil, offset, err
	}
	if p.Data, off, err = tlv.ReadBytes(body, off, itemData); err != nil {
		return nil, offset, err
	}
	if p.Meta, _, err = tlv.ReadBytes(body, off, itemMeta); err != nil {
		return nil, offset, err
	}
	return p, next, nil
}
