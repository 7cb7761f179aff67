package swarm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashRing_Lookup(t *testing.T) {
	r := NewHashRing(64, nil)
	assert.Equal(t, "", r.Lookup([]byte("k")))

	r.Add("node1", "mem://1")
	r.Add("node2", "mem://2")
	r.Add("node3", "mem://3")
	assert.Equal(t, 3, r.Len())

	addr, ok := r.Addr("node2")
	require.True(t, ok)
	assert.Equal(t, "mem://2", addr)

	key := []byte("group-key")
	owner := r.Lookup(key)
	assert.Contains(t, []string{"node1", "node2", "node3"}, owner)
	assert.Equal(t, owner, r.Lookup(key), "lookup should be stable")

	n := r.LookupN(key, 5)
	assert.Len(t, n, 3)
	assert.Equal(t, owner, n[0])

	r.Remove(owner)
	assert.NotEqual(t, owner, r.Lookup(key))
	_, ok = r.Addr(owner)
	assert.False(t, ok)
}

func TestClientPool(t *testing.T) {
	dials := 0
	pool, err := NewClientPool(ClientPoolConfig{
		Dial: func(nodeID, addr string) (Client, error) {
			dials++
			if nodeID == "bad" {
				return nil, errors.New("unreachable")
			}
			return NewMemoryNode(MemoryNodeConfig{ID: nodeID}), nil
		},
	})
	require.NoError(t, err)

	c1, err := pool.GetClient("n1", "")
	require.NoError(t, err)
	c2, err := pool.GetClient("n1", "")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, dials)

	_, err = pool.GetClient("bad", "")
	assert.Error(t, err)
	assert.False(t, pool.HasClient("bad"))

	pool.InvalidateClient("n1")
	assert.Equal(t, 0, pool.ClientCount())

	_, err = NewClientPool(ClientPoolConfig{})
	assert.Error(t, err)
}

func TestRouter_ClientFor(t *testing.T) {
	nodes := map[string]*MemoryNode{}
	ring := NewHashRing(32, nil)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("node%d", i)
		nodes[id] = NewMemoryNode(MemoryNodeConfig{ID: id})
		ring.Add(id, "mem://"+id)
	}
	pool, err := NewClientPool(ClientPoolConfig{
		Dial: func(nodeID, _ string) (Client, error) { return nodes[nodeID], nil },
	})
	require.NoError(t, err)
	router := NewRouter(ring, pool)

	g := newTestGroup(t)
	client, err := router.ClientFor(g.id)
	require.NoError(t, err)

	nodeID, err := router.NodeFor(g.id)
	require.NoError(t, err)
	assert.Same(t, nodes[nodeID], client)

	_, err = router.ClientFor("not-hex")
	assert.Error(t, err)

	empty := NewRouter(NewHashRing(1, nil), pool)
	_, err = empty.ClientFor(g.id)
	assert.ErrorIs(t, err, ErrNoNodes)
}
