package swarm

import (
	"encoding/binary"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"

	"github.com/relves/swarmgroups/pkg/types"
)

// ComputeHash computes the content hash a node assigns to a stored message.
// The namespace is mixed in so identical payloads in different namespaces
// never collide.
//
// Uses CIDv1 with raw codec (0x55).
func ComputeHash(ns types.Namespace, data []byte) (string, error) {
	buf := make([]byte, 8, 8+len(data))
	binary.BigEndian.PutUint64(buf, uint64(int64(ns)))
	buf = append(buf, data...)

	hash, err := mh.Sum(buf, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(uint64(multicodec.Raw), hash).String(), nil
}

// MultihashFromHash extracts the multihash from a message hash.
func MultihashFromHash(hash string) (mh.Multihash, error) {
	c, err := cid.Decode(hash)
	if err != nil {
		return nil, err
	}
	return c.Hash(), nil
}
