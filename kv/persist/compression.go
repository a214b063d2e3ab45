package persist

import (
	"math"

	"github.com/gogo/protobuf/proto"
	"github.com/pierrec/lz4"
	"github.com/pingcap/errors"
)

// CompressionType is the first byte of every stored value.
type CompressionType byte

const (
	CompressionNone CompressionType = 0
	CompressionLz4  CompressionType = 1
)

var ErrDecompress = errors.New("error during decompress")

// maxDecompressedSize bounds the size claimed by a stored header.
const maxDecompressedSize = 1 << 30

func lz4Compress(input []byte) []byte {
	rawLen := len(input)
	if rawLen > math.MaxUint32 {
		return nil
	}
	decompressedSize := proto.EncodeVarint(uint64(rawLen))
	dst := make([]byte, 1+len(decompressedSize)+lz4.CompressBlockBound(rawLen))
	dst[0] = byte(CompressionLz4)
	n := copy(dst[1:], decompressedSize) + 1
	var ht [1 << 16]int
	written, err := lz4.CompressBlock(input, dst[n:], ht[:])
	if err != nil || written == 0 {
		return nil
	}
	return dst[:n+written]
}

func isGoodCompressionRatio(compressed, input []byte) bool {
	cl, rl := len(compressed), len(input)
	return cl < rl-(rl/8)
}

// compressValue frames input with its compression type. It falls back to no
// compression when lz4 does not save at least an eighth of the input.
func compressValue(tp CompressionType, input []byte) []byte {
	if tp == CompressionLz4 {
		if compressed := lz4Compress(input); compressed != nil && isGoodCompressionRatio(compressed, input) {
			return compressed
		}
	}
	dst := make([]byte, 1+len(input))
	dst[0] = byte(CompressionNone)
	copy(dst[1:], input)
	return dst
}

func decompressValue(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, ErrDecompress
	}
	switch CompressionType(value[0]) {
	case CompressionNone:
		return value[1:], nil
	case CompressionLz4:
		size, n := proto.DecodeVarint(value[1:])
		if n == 0 || size > maxDecompressedSize {
			return nil, ErrDecompress
		}
		dst := make([]byte, size)
		written, err := lz4.UncompressBlock(value[1+n:], dst)
		if err != nil {
			return nil, errors.Annotate(ErrDecompress, err.Error())
		}
		if uint64(written) != size {
			return nil, ErrDecompress
		}
		return dst, nil
	default:
		return nil, errors.Annotatef(ErrDecompress, "unknown compression type %d", value[0])
	}
}
