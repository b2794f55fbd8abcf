package tlv

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

const (
	// CompressionThreshold is the minimum blob size to consider compression (512 bytes)
	CompressionThreshold = 512

	// MaxBlobSize caps the uncompressed size accepted by DecompressBlob (16 MB)
	MaxBlobSize = MaxItemLength
)

var (
	ErrDecompressionFailed  = errors.New("tlv: decompression failed")
	ErrInvalidCompressedLen = errors.New("tlv: invalid compressed blob length")
)

// CompressBlob compresses data using LZ4 and prepends the uncompressed size.
// Format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
// Returns the original data and false if compression doesn't reduce size.
func CompressBlob(data []byte) ([]byte, bool) {
	if len(data) < CompressionThreshold {
		return data, false
	}

	maxCompressedSize := lz4.CompressBlockBound(len(data))
	compressed := make([]byte, 4+maxCompressedSize)
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		// incompressible
		return data, false
	}

	compressedTotal := 4 + n
	if compressedTotal >= len(data) {
		return data, false
	}
	return compressed[:compressedTotal], true
}

// DecompressBlob reverses CompressBlob.
func DecompressBlob(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	uncompressedSize := binary.BigEndian.Uint32(data[:4])
	if uncompressedSize > MaxBlobSize {
		return nil, ErrItemTooLarge
	}

	decompressed := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(data[4:], decompressed)
	if err != nil {
		return nil, errors.Wrap(ErrDecompressionFailed, err.Error())
	}
	if n != int(uncompressedSize) {
		return nil, ErrDecompressionFailed
	}
	return decompressed, nil
}
