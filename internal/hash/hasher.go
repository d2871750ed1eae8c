package hash

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"io/fs"
	"os"

	"github.com/cespare/xxhash/v2"

	"patchsync/internal/syncerr"
)

const bufferSize = 32 * 1024 // 32KB buffer for streaming

// Hasher fingerprints a file. info is the walk-time stat of path and may be
// used by caching implementations to decide whether a stored hash is fresh.
type Hasher interface {
	Hash(path string, info fs.FileInfo) (string, error)
}

// FileHasher hashes file content on every call.
type FileHasher struct{}

// Hash implements Hasher.
func (FileHasher) Hash(path string, _ fs.FileInfo) (string, error) {
	return HashFile(path)
}

// HashFile computes the xxHash of a file using streaming for large files
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", syncerr.New(syncerr.KindIO, "open", path, err)
	}
	defer file.Close()

	h := xxhash.New()
	buf := make([]byte, bufferSize)

	for {
		n, err := file.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", syncerr.New(syncerr.KindIO, "read", path, err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex fingerprint of an in-memory buffer, in the same
// format HashFile produces.
func HashBytes(data []byte) string {
	h := xxhash.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// XXHashFunc is a custom hash function adapter for go-merkletree
// It converts []byte input to xxHash []byte output
func XXHashFunc(data []byte) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, xxhash.Sum64(data))
	return buf, nil
}
