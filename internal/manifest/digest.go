package manifest

import (
	"encoding/hex"
	"fmt"
	"sort"

	mt "github.com/txaty/go-merkletree"

	"patchsync/internal/hash"
)

// leaf is one record's composite key as a merkle data block.
type leaf string

func (l leaf) Serialize() ([]byte, error) {
	return []byte(l), nil
}

// Digest returns a Merkle root over the sorted composite keys of m. Order of
// records does not matter; sizes are not part of the digest. Two manifests
// with equal digests contain the same (hash, name, path) triples.
func (m Manifest) Digest() (string, error) {
	keys := make([]string, 0, len(m))
	for _, r := range m {
		keys = append(keys, NormalizePath(r.Path)+"\x00"+r.Name+"\x00"+r.Hash)
	}
	sort.Strings(keys)

	// go-merkletree needs at least two blocks
	switch len(keys) {
	case 0:
		sum, _ := hash.XXHashFunc([]byte("empty-manifest"))
		return hex.EncodeToString(sum), nil
	case 1:
		sum, _ := hash.XXHashFunc([]byte(keys[0]))
		return hex.EncodeToString(sum), nil
	}

	blocks := make([]mt.DataBlock, len(keys))
	for i, k := range keys {
		blocks[i] = leaf(k)
	}

	tree, err := mt.New(&mt.Config{
		HashFunc: hash.XXHashFunc,
		Mode:     mt.ModeTreeBuild,
	}, blocks)
	if err != nil {
		return "", fmt.Errorf("failed to build merkle tree: %w", err)
	}

	return hex.EncodeToString(tree.Root), nil
}
