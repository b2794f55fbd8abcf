package gxs

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/aeolun/gxsstore/pkg/tlv"
)

const (
	itemGroupID         = 0x0080
	itemMsgID           = 0x0081
	itemName            = 0x0052
	itemData            = 0x0112
	itemMeta            = 0x0113
	itemGroupEnvelope   = 0xF101
	itemMsgEnvelope     = 0xF102
	itemSerializedGroup = 0xF201
)

// ErrCorruptEnvelope is returned when a stored meta envelope cannot be decoded.
var ErrCorruptEnvelope = errors.New("corrupt meta envelope")

func encodeWith(fn func(io.Writer) error) ([]byte, error) {
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type fieldWriter struct {
	w   io.Writer
	err error
}

func (f *fieldWriter) fixed(typ uint16, b []byte) {
	if f.err == nil {
		f.err = tlv.WriteBytes(f.w, typ, b)
	}
}

func (f *fieldWriter) str(typ uint16, s string) {
	if f.err == nil {
		f.err = tlv.WriteString(f.w, typ, s)
	}
}

func (f *fieldWriter) u32(v uint32) {
	if f.err == nil {
		f.err = tlv.WriteUint32(f.w, v)
	}
}

func (f *fieldWriter) u64(v uint64) {
	if f.err == nil {
		f.err = tlv.WriteUint64(f.w, v)
	}
}

type fieldReader struct {
	data []byte
	off  int
	err  error
}

func (f *fieldReader) fixed(typ uint16, dst []byte) {
	if f.err == nil {
		f.off, f.err = tlv.ReadFixed(f.data, f.off, typ, dst)
	}
}

func (f *fieldReader) str(typ uint16) string {
	if f.err != nil {
		return ""
	}
	var s string
	s, f.off, f.err = tlv.ReadString(f.data, f.off, typ)
	return s
}

func (f *fieldReader) u32() uint32 {
	if f.err != nil {
		return 0
	}
	var v uint32
	v, f.off, f.err = tlv.ReadUint32(f.data, f.off)
	return v
}

func (f *fieldReader) u64() uint64 {
	if f.err != nil {
		return 0
	}
	var v uint64
	v, f.off, f.err = tlv.ReadUint64(f.data, f.off)
	return v
}

// EncodeEnvelope serializes the distributed fields of the group metadata.
// Only public keys are included; private keys never leave the key set column.
func (g *GroupMeta) EncodeEnvelope() ([]byte, error) {
	c := tlv.NewContainer(itemGroupEnvelope)
	fw := &fieldWriter{w: c}
	fw.fixed(itemGroupID, g.GroupID[:])
	fw.fixed(itemGroupID, g.OrigGroupID[:])
	fw.fixed(itemGroupID, g.ParentGroupID[:])
	fw.str(itemName, g.Name)
	fw.u32(g.GroupFlags)
	fw.u32(g.SignFlags)
	fw.u64(uint64(g.PublishTS))
	fw.fixed(itemGxsID, g.AuthorID[:])
	fw.fixed(itemGxsID, g.CircleID[:])
	fw.u32(g.CircleType)
	fw.u32(g.AuthenFlags)
	fw.fixed(itemGxsID, g.InternalCircle[:])
	if fw.err != nil {
		return nil, fw.err
	}
	pub := g.Keys.PublicOnly()
	if err := pub.EncodeTo(c); err != nil {
		return nil, err
	}
	if err := g.Signatures.EncodeTo(c); err != nil {
		return nil, err
	}
	return c.Bytes()
}

// DecodeGroupEnvelope decodes an envelope produced by EncodeEnvelope. The
// returned metadata carries public keys only and zero local fields.
func DecodeGroupEnvelope(data []byte) (*GroupMeta, error) {
	body, _, err := tlv.ReadItem(data, 0, itemGroupEnvelope)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptEnvelope, err.Error())
	}
	g := &GroupMeta{}
	fr := &fieldReader{data: body}
	fr.fixed(itemGroupID, g.GroupID[:])
	fr.fixed(itemGroupID, g.OrigGroupID[:])
	fr.fixed(itemGroupID, g.ParentGroupID[:])
	g.Name = fr.str(itemName)
	g.GroupFlags = fr.u32()
	g.SignFlags = fr.u32()
	g.PublishTS = int64(fr.u64())
	fr.fixed(itemGxsID, g.AuthorID[:])
	fr.fixed(itemGxsID, g.CircleID[:])
	g.CircleType = fr.u32()
	g.AuthenFlags = fr.u32()
	fr.fixed(itemGxsID, g.InternalCircle[:])
	if fr.err != nil {
		return nil, errors.Wrap(ErrCorruptEnvelope, fr.err.Error())
	}
	off, err := g.Keys.Decode(body, fr.off)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptEnvelope, err.Error())
	}
	if g.Signatures, _, err = DecodeSignSet(body, off); err != nil {
		return nil, errors.Wrap(ErrCorruptEnvelope, err.Error())
	}
	return g, nil
}

// EncodeEnvelope serializes the distributed fields of the message metadata.
func (m *MsgMeta) EncodeEnvelope() ([]byte, error) {
	c := tlv.NewContainer(itemMsgEnvelope)
	fw := &fieldWriter{w: c}
	fw.fixed(itemGroupID, m.GroupID[:])
	fw.fixed(itemMsgID, m.MsgID[:])
	fw.fixed(itemMsgID, m.ThreadID[:])
	fw.fixed(itemMsgID, m.ParentID[:])
	fw.fixed(itemMsgID, m.OrigMsgID[:])
	fw.fixed(itemGxsID, m.AuthorID[:])
	fw.str(itemName, m.Name)
	fw.u64(uint64(m.PublishTS))
	fw.u32(m.MsgFlags)
	if fw.err != nil {
		return nil, fw.err
	}
	if err := m.Signatures.EncodeTo(c); err != nil {
		return nil, err
	}
	return c.Bytes()
}

// DecodeMsgEnvelope decodes an envelope produced by MsgMeta.EncodeEnvelope.
func DecodeMsgEnvelope(data []byte) (*MsgMeta, error) {
	body, _, err := tlv.ReadItem(data, 0, itemMsgEnvelope)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptEnvelope, err.Error())
	}
	m := &MsgMeta{}
	fr := &fieldReader{data: body}
	fr.fixed(itemGroupID, m.GroupID[:])
	fr.fixed(itemMsgID, m.MsgID[:])
	fr.fixed(itemMsgID, m.ThreadID[:])
	fr.fixed(itemMsgID, m.ParentID[:])
	fr.fixed(itemMsgID, m.OrigMsgID[:])
	fr.fixed(itemGxsID, m.AuthorID[:])
	m.Name = fr.str(itemName)
	m.PublishTS = int64(fr.u64())
	m.MsgFlags = fr.u32()
	if fr.err != nil {
		return nil, errors.Wrap(ErrCorruptEnvelope, fr.err.Error())
	}
	if m.Signatures, _, err = DecodeSignSet(body, fr.off); err != nil {
		return nil, errors.Wrap(ErrCorruptEnvelope, err.Error())
	}
	return m, nil
}
