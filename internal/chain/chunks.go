package chain

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// ChunkSize is the fixed chunk length used for uploads.
const ChunkSize = 256 * 1024

// Chunk is one fixed-size slice of a transaction's data.
type Chunk struct {
	Offset uint64   // Offset is the chunk start within the data
	Size   uint64   // Size is the chunk length
	Hash   [32]byte // Hash is the BLAKE3 digest of the chunk
}

// Chunks is the chunk layout of a transaction's data.
type Chunks struct {
	Root   [32]byte // Root commits to every chunk hash and offset
	Size   uint64   // Size is the total data length
	Chunks []Chunk
}

// RootString is the url-safe encoding used in transactions.
func (c *Chunks) RootString() string {
	return base64.RawURLEncoding.EncodeToString(c.Root[:])
}

// ComputeChunks reads r to the end and returns its chunk layout.
func ComputeChunks(r io.Reader) (*Chunks, error) {
	buf := make([]byte, ChunkSize)
	root := blake3.New()
	result := &Chunks{}

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			c := Chunk{
				Offset: result.Size,
				Size:   uint64(n),
				Hash:   blake3.Sum256(buf[:n]),
			}

			root.Write(c.Hash[:])
			root.Write(binary.BigEndian.AppendUint64(nil, c.Offset+c.Size))

			result.Chunks = append(result.Chunks, c)
			result.Size += c.Size
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read data:\n%w", err)
		}
	}

	copy(result.Root[:], root.Sum(nil))

	return result, nil
}

// chunkPayload is the body of one chunk upload.
type chunkPayload struct {
	DataRoot string `json:"data_root"`
	DataSize string `json:"data_size"`
	Offset   string `json:"offset"`
	Chunk    string `json:"chunk"`
}
