package topology

import (
	"golang.org/x/exp/slices"
)

type Role string

const (
	Primary = Role("primary")
	Replica = Role("replica")
)

// Shard is one node of a store deployment that owns part of the keyspace.
type Shard struct {
	ID      string
	Address string
	Role    Role
}

func NewShard(id, address string, role Role) Shard {
	return Shard{
		ID:      id,
		Address: address,
		Role:    role,
	}
}

func (s Shard) IsPrimary() bool {
	return s.Role == Primary
}

// Primaries returns the primary shards ordered by address.
func Primaries(shards []Shard) []Shard {
	res := make([]Shard, 0, len(shards))
	for _, sh := range shards {
		if sh.IsPrimary() {
			res = append(res, sh)
		}
	}
	slices.SortFunc(res, func(a, b Shard) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		}
		return 0
	})
	return res
}

// Addresses returns the addresses of the given shards.
func Addresses(shards []Shard) []string {
	res := make([]string, len(shards))
	for i, sh := range shards {
		res[i] = sh.Address
	}
	return res
}
