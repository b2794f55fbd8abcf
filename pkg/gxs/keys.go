package gxs

import (
	"io"
	"sort"

	"github.com/aeolun/gxsstore/pkg/tlv"
)

// Item types used by the key set and signature set encodings.
const (
	itemGxsID       = 0x0082
	itemKeyData     = 0x0110
	itemSignData    = 0x0111
	itemSecurityKey = 0x1040
	itemKeySet      = 0x1041
	itemPublicKeys  = 0x1042
	itemPrivateKeys = 0x1043
	itemSignature   = 0x1050
	itemSignSet     = 0x1051
)

// SecurityKey is one public or private group key.
type SecurityKey struct {
	KeyID   GxsID
	Flags   uint32
	StartTS int64
	EndTS   int64
	KeyData []byte
}

// KeySet holds the public and private keys of a group, indexed by key id.
type KeySet struct {
	PublicKeys  map[GxsID]SecurityKey
	PrivateKeys map[GxsID]SecurityKey
}

// Signature is one signature over a group or message.
type Signature struct {
	KeyID    GxsID
	SignData []byte
}

// SignSet holds signatures indexed by signature type (SignIdentity, ...).
type SignSet map[uint32]Signature

func (k *SecurityKey) encodeTo(w io.Writer) error {
	c := tlv.NewContainer(itemSecurityKey)
	if err := tlv.WriteBytes(c, itemGxsID, k.KeyID[:]); err != nil {
		return err
	}
	if err := tlv.WriteUint32(c, k.Flags); err != nil {
		return err
	}
	if err := tlv.WriteUint64(c, uint64(k.StartTS)); err != nil {
		return err
	}
	if err := tlv.WriteUint64(c, uint64(k.EndTS)); err != nil {
		return err
	}
	if err := tlv.WriteBytes(c, itemKeyData, k.KeyData); err != nil {
		return err
	}
	_, err := c.WriteTo(w)
	return err
}

func (k *SecurityKey) decode(data []byte, offset int) (int, error) {
	body, next, err := tlv.ReadItem(data, offset, itemSecurityKey)
	if err != nil {
		return offset, err
	}
	off, err := tlv.ReadFixed(body, 0, itemGxsID, k.KeyID[:])
	if err != nil {
		return offset, err
	}
	if k.Flags, off, err = tlv.ReadUint32(body, off); err != nil {
		return offset, err
	}
	var ts uint64
	if ts, off, err = tlv.ReadUint64(body, off); err != nil {
		return offset, err
	}
	k.StartTS = int64(ts)
	if ts, off, err = tlv.ReadUint64(body, off); err != nil {
		return offset, err
	}
	k.EndTS = int64(ts)
	if k.KeyData, _, err = tlv.ReadBytes(body, off, itemKeyData); err != nil {
		return offset, err
	}
	return next, nil
}

func sortedKeyIDs(m map[GxsID]SecurityKey) []GxsID {
	ids := make([]GxsID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return string(ids[i][:]) < string(ids[j][:])
	})
	return ids
}

func writeKeyMap(w io.Writer, typ uint16, m map[GxsID]SecurityKey) error {
	c := tlv.NewContainer(typ)
	for _, id := range sortedKeyIDs(m) {
		k := m[id]
		if err := k.encodeTo(c); err != nil {
			return err
		}
	}
	_, err := c.WriteTo(w)
	return err
}

func readKeyMap(data []byte, offset int, typ uint16) (map[GxsID]SecurityKey, int, error) {
	body, next, err := tlv.ReadItem(data, offset, typ)
	if err != nil {
		return nil, offset, err
	}
	var m map[GxsID]SecurityKey
	for off := 0; off < len(body); {
		var k SecurityKey
		if off, err = k.decode(body, off); err != nil {
			return nil, offset, err
		}
		if m == nil {
			m = make(map[GxsID]SecurityKey)
		}
		m[k.KeyID] = k
	}
	return m, next, nil
}

// EncodeTo writes the key set as a single item.
func (ks *KeySet) EncodeTo(w io.Writer) error {
	c := tlv.NewContainer(itemKeySet)
	if err := writeKeyMap(c, itemPublicKeys, ks.PublicKeys); err != nil {
		return err
	}
	if err := writeKeyMap(c, itemPrivateKeys, ks.PrivateKeys); err != nil {
		return err
	}
	_, err := c.WriteTo(w)
	return err
}

// Encode serializes the key set. Keys are written in ascending id order so
// the encoding is deterministic.
func (ks *KeySet) Encode() ([]byte, error) {
	return encodeWith(ks.EncodeTo)
}

// Decode reads a key set item at offset and returns the offset following it.
func (ks *KeySet) Decode(data []byte, offset int) (int, error) {
	body, next, err := tlv.ReadItem(data, offset, itemKeySet)
	if err != nil {
		return offset, err
	}
	pub, off, err := readKeyMap(body, 0, itemPublicKeys)
	if err != nil {
		return offset, err
	}
	priv, _, err := readKeyMap(body, off, itemPrivateKeys)
	if err != nil {
		return offset, err
	}
	ks.PublicKeys = pub
	ks.PrivateKeys = priv
	return next, nil
}

// HasPrivateAdminKey reports whether the set holds a full admin key.
func (ks *KeySet) HasPrivateAdminKey() bool {
	return ks.hasPrivate(KeyDistribAdmin)
}

// HasPrivatePublishKey reports whether the set holds a full publish key.
func (ks *KeySet) HasPrivatePublishKey() bool {
	return ks.hasPrivate(KeyDistribPublish)
}

func (ks *KeySet) hasPrivate(distrib uint32) bool {
	for _, k := range ks.PrivateKeys {
		if k.Flags&KeyFull != 0 && k.Flags&distrib != 0 {
			return true
		}
	}
	return false
}

// PublicOnly returns a copy of the key set without private keys.
func (ks *KeySet) PublicOnly() KeySet {
	out := KeySet{}
	if len(ks.PublicKeys) > 0 {
		out.PublicKeys = make(map[GxsID]SecurityKey, len(ks.PublicKeys))
		for id, k := range ks.PublicKeys {
			out.PublicKeys[id] = k.clone()
		}
	}
	return out
}

// Clone returns a deep copy.
func (ks *KeySet) Clone() KeySet {
	out := ks.PublicOnly()
	if len(ks.PrivateKeys) > 0 {
		out.PrivateKeys = make(map[GxsID]SecurityKey, len(ks.PrivateKeys))
		for id, k := range ks.PrivateKeys {
			out.PrivateKeys[id] = k.clone()
		}
	}
	return out
}

func (k SecurityKey) clone() SecurityKey {
	k.KeyData = append([]byte(nil), k.KeyData...)
	return k
}

// EncodeTo writes the signature set as a single item.
func (ss SignSet) EncodeTo(w io.Writer) error {
	types := make([]uint32, 0, len(ss))
	for t := range ss {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	c := tlv.NewContainer(itemSignSet)
	for _, t := range types {
		sig := ss[t]
		if err := tlv.WriteUint32(c, t); err != nil {
			return err
		}
		sc := tlv.NewContainer(itemSignature)
		if err := tlv.WriteBytes(sc, itemGxsID, sig.KeyID[:]); err != nil {
			return err
		}
		if err := tlv.WriteBytes(sc, itemSignData, sig.SignData); err != nil {
			return err
		}
		if _, err := sc.WriteTo(c); err != nil {
			return err
		}
	}
	_, err := c.WriteTo(w)
	return err
}

// Encode serializes the signature set in ascending signature type order.
func (ss SignSet) Encode() ([]byte, error) {
	return encodeWith(ss.EncodeTo)
}

// DecodeSignSet reads a signature set item at offset.
func DecodeSignSet(data []byte, offset int) (SignSet, int, error) {
	body, next, err := tlv.ReadItem(data, offset, itemSignSet)
	if err != nil {
		return nil, offset, err
	}
	var ss SignSet
	for off := 0; off < len(body); {
		var t uint32
		if t, off, err = tlv.ReadUint32(body, off); err != nil {
			return nil, offset, err
		}
		var sigBody []byte
		if sigBody, off, err = tlv.ReadItem(body, off, itemSignature); err != nil {
			return nil, offset, err
		}
		var sig Signature
		so, err := tlv.ReadFixed(sigBody, 0, itemGxsID, sig.KeyID[:])
		if err != nil {
			return nil, offset, err
		}
		if sig.SignData, _, err = tlv.ReadBytes(sigBody, so, itemSignData); err != nil {
			return nil, offset, err
		}
		if ss == nil {
			ss = make(SignSet)
		}
		ss[t] = sig
	}
	return ss, next, nil
}

// Clone returns a deep copy.
func (ss SignSet) Clone() SignSet {
	if ss == nil {
		return nil
	}
	out := make(SignSet, len(ss))
	for t, s := range ss {
		s.SignData = append([]byte(nil), s.SignData...)
		out[t] = s
	}
	return out
}
