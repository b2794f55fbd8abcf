package database

import (
	"github.com/pkg/errors"

	"github.com/aeolun/gxsstore/pkg/crypto"
	"github.com/aeolun/gxsstore/pkg/tlv"
)

// Stored blob layout: [flags (1 byte)][body]. The body is LZ4-compressed
// when blobCompressed is set, then sealed when blobEncrypted is set.
const (
	blobCompressed = 0x01
	blobEncrypted  = 0x02
)

// blobCodec converts between column values and plain blobs.
type blobCodec struct {
	sealer *crypto.Sealer
}

// encode returns the column value for data. ad identifies the row and column.
func (c blobCodec) encode(data []byte, ad string) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var flags byte
	body, compressed := tlv.CompressBlob(data)
	if compressed {
		flags |= blobCompressed
	}
	if c.sealer != nil {
		sealed, err := c.sealer.Seal(body, []byte(ad))
		if err != nil {
			return nil, err
		}
		body = sealed
		flags |= blobEncrypted
	}
	out := make([]byte, 1+len(body))
	out[0] = flags
	copy(out[1:], body)
	return out, nil
}

// decode reverses encode.
func (c blobCodec) decode(stored []byte, ad string) ([]byte, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	flags, body := stored[0], stored[1:]
	if flags&^(blobCompressed|blobEncrypted) != 0 {
		return nil, errors.Wrapf(ErrCorruptRecord, "%s: unknown blob flags 0x%02x", ad, flags)
	}
	if flags&blobEncrypted != 0 {
		if c.sealer == nil {
			return nil, errors.Wrapf(ErrCorruptRecord, "%s: encrypted blob but store opened without key", ad)
		}
		plain, err := c.sealer.Open(body, []byte(ad))
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptRecord, "%s: %v", ad, err)
		}
		body = plain
	}
	if flags&blobCompressed != 0 {
		plain, err := tlv.DecompressBlob(body)
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptRecord, "%s: %v", ad, err)
		}
		return plain, nil
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

func blobAD(table, column, id string) string {
	return table + "/" + column + "/" + id
}
