package discovery

import (
	"context"
	"net"
	"strings"

	"github.com/pg-sharding/rcopy/pkg/models/rerror"
	"github.com/pg-sharding/rcopy/pkg/models/topology"
	"github.com/pg-sharding/rcopy/pkg/rlog"
	"github.com/pg-sharding/rcopy/pkg/store"
	"github.com/pkg/errors"
)

// Resolver finds the primary shards of a deployment.
type Resolver struct {
	// Host replaces the host part of every announced node address unless
	// AnnouncedHosts is set.
	Host           string
	AnnouncedHosts bool
}

func NewResolver(host string, announcedHosts bool) *Resolver {
	return &Resolver{
		Host:           host,
		AnnouncedHosts: announcedHosts,
	}
}

// Resolve returns the primary shards of the deployment behind cl and
// whether it is clustered. A failing topology query means a single node
// deployment and is not an error. Rewriting the node hosts must keep
// every primary distinct, otherwise a RCOPY_CONFIG_ERROR is returned.
func (r *Resolver) Resolve(ctx context.Context, cl store.Client) ([]topology.Shard, bool, error) {
	nodes, err := cl.ClusterNodes(ctx)
	if err != nil {
		rlog.Zero.Debug().
			Err(err).
			Str("addr", cl.Addr()).
			Msg("no cluster topology, assuming single node")
		return nil, false, nil
	}

	shards, err := ParseClusterNodes(nodes)
	if err != nil {
		rlog.Zero.Warn().
			Err(err).
			Str("addr", cl.Addr()).
			Msg("unparsable cluster topology, assuming single node")
		return nil, false, nil
	}

	primaries := topology.Primaries(shards)
	if !r.AnnouncedHosts && r.Host != "" {
		seen := make(map[string]string, len(primaries))
		for i, sh := range primaries {
			_, port, err := net.SplitHostPort(sh.Address)
			if err != nil {
				continue
			}
			pinned := net.JoinHostPort(r.Host, port)
			if prev, ok := seen[pinned]; ok {
				return nil, true, rerror.Newf(rerror.RCOPY_CONFIG_ERROR,
					"cluster nodes %s and %s both map to %s, use --announced-hosts to connect to the announced node addresses",
					prev, sh.Address, pinned)
			}
			seen[pinned] = sh.Address
			primaries[i].Address = pinned
		}
		primaries = topology.Primaries(primaries)
	}

	rlog.Zero.Info().
		Str("addr", cl.Addr()).
		Int("nodes", len(shards)).
		Int("primaries", len(primaries)).
		Strs("shards", topology.Addresses(primaries)).
		Msg("resolved cluster topology")

	return primaries, true, nil
}

// ParseClusterNodes parses the CLUSTER NODES reply:
//
//	<id> <ip:port@cport[,hostname]> <flags> <master> <ping-sent> <pong-recv> <config-epoch> <link-state> <slot> ...
//
// Nodes that are failing, in handshake or without an address are skipped.
func ParseClusterNodes(nodes string) ([]topology.Shard, error) {
	var shards []topology.Shard
	for _, line := range strings.Split(nodes, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			return nil, errors.Errorf("malformed cluster node line %q", line)
		}

		addr, _, _ := strings.Cut(fields[1], "@")
		addr, _, _ = strings.Cut(addr, ",")
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, errors.Wrapf(err, "malformed node address in %q", line)
		}

		role := topology.Role("")
		skip := false
		for _, flag := range strings.Split(fields[2], ",") {
			switch flag {
			case "master":
				role = topology.Primary
			case "slave", "replica":
				role = topology.Replica
			case "fail", "handshake", "noaddr":
				skip = true
			}
		}
		if skip || role == "" {
			continue
		}

		shards = append(shards, topology.NewShard(fields[0], addr, role))
	}
	if len(shards) == 0 {
		return nil, errors.New("no usable nodes in cluster topology")
	}
	return shards, nil
}
