package discovery_test

import (
	"context"
	"errors"
	"testing"

	"github.com/pg-sharding/rcopy/pkg/discovery"
	mock "github.com/pg-sharding/rcopy/pkg/mock/store"
	"github.com/pg-sharding/rcopy/pkg/models/rerror"
	"github.com/pg-sharding/rcopy/pkg/models/topology"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"
)

const clusterNodes = `07c37dfeb235213a872192d90877d0cd55635b91 10.0.0.5:13001@23001 slave e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca 0 1426238317239 4 connected
67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1 10.0.0.2:13002@23002 master - 0 1426238316232 2 connected 5461-10922
292f8b365bb7edb5e285caf0b7e6ddc7265d2f4f 10.0.0.3:13003@23003 master - 0 1426238318243 3 connected 10923-16383
6ec23923021cf3ffec47632106199cb7f496ce01 10.0.0.6:13005@23005 slave 67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1 0 1426238316232 5 connected
824fe116063bc5fcf9f4ffd895bc17aee7731ac3 10.0.0.7:13006@23006,cache-6.internal slave 292f8b365bb7edb5e285caf0b7e6ddc7265d2f4f 0 1426238317741 6 connected
e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca 10.0.0.1:13000@23000 myself,master - 0 0 1 connected 0-5460
`

func TestParseClusterNodes(t *testing.T) {
	assert := assert.New(t)

	shards, err := discovery.ParseClusterNodes(clusterNodes)
	assert.NoError(err)
	assert.Len(shards, 6)

	primaries := topology.Primaries(shards)
	assert.Equal([]string{"10.0.0.1:13000", "10.0.0.2:13002", "10.0.0.3:13003"}, topology.Addresses(primaries))
}

func TestParseClusterNodesSkipsFailingNodes(t *testing.T) {
	assert := assert.New(t)

	shards, err := discovery.ParseClusterNodes(
		"a 10.0.0.1:7000@17000 master,fail - 0 0 1 disconnected\n" +
			"b 10.0.0.2:7001@17001 master - 0 0 2 connected 0-16383\n" +
			"c :0@0 master,noaddr - 0 0 3 disconnected\n")
	assert.NoError(err)
	assert.Len(shards, 1)
	assert.Equal("10.0.0.2:7001", shards[0].Address)
	assert.Equal("b", shards[0].ID)
}

func TestParseClusterNodesMalformed(t *testing.T) {
	_, err := discovery.ParseClusterNodes("garbage line\n")
	assert.Error(t, err)

	_, err = discovery.ParseClusterNodes("\n")
	assert.Error(t, err)
}

func TestResolveClusterKeepsOnlyPrimaries(t *testing.T) {
	assert := assert.New(t)
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	cl := mock.NewMockClient(ctrl)
	cl.EXPECT().Addr().Return("cache.example.net:6380").AnyTimes()
	cl.EXPECT().ClusterNodes(ctx).Return(clusterNodes, nil)

	shards, clustered, err := discovery.NewResolver("cache.example.net", false).Resolve(ctx, cl)

	assert.NoError(err)
	assert.True(clustered)
	assert.Equal([]string{
		"cache.example.net:13000",
		"cache.example.net:13002",
		"cache.example.net:13003",
	}, topology.Addresses(shards))
	for _, sh := range shards {
		assert.Equal(topology.Primary, sh.Role)
	}
}

func TestResolveAnnouncedHosts(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	cl := mock.NewMockClient(ctrl)
	cl.EXPECT().Addr().Return("cache.example.net:6380").AnyTimes()
	cl.EXPECT().ClusterNodes(ctx).Return(clusterNodes, nil)

	shards, clustered, err := discovery.NewResolver("cache.example.net", true).Resolve(ctx, cl)

	assert.NoError(t, err)
	assert.True(t, clustered)
	assert.Equal(t, []string{"10.0.0.1:13000", "10.0.0.2:13002", "10.0.0.3:13003"}, topology.Addresses(shards))
}

func TestResolveSingleNode(t *testing.T) {
	assert := assert.New(t)
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	cl := mock.NewMockClient(ctrl)
	cl.EXPECT().Addr().Return("cache.example.net:6380").AnyTimes()
	cl.EXPECT().ClusterNodes(ctx).Return("", errors.New("ERR This instance has cluster support disabled"))

	shards, clustered, err := discovery.NewResolver("cache.example.net", false).Resolve(ctx, cl)

	assert.NoError(err)
	assert.False(clustered)
	assert.Empty(shards)
}

func TestResolveRejectsCollidingHosts(t *testing.T) {
	assert := assert.New(t)
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	nodes := `a1 10.0.0.1:6379@16379 myself,master - 0 0 1 connected 0-5460
b2 10.0.0.2:6379@16379 master - 0 1426238316232 2 connected 5461-10922
c3 10.0.0.3:6379@16379 master - 0 1426238318243 3 connected 10923-16383
`
	cl := mock.NewMockClient(ctrl)
	cl.EXPECT().Addr().Return("redis.example:6379").AnyTimes()
	cl.EXPECT().ClusterNodes(ctx).Return(nodes, nil).Times(2)

	shards, _, err := discovery.NewResolver("redis.example", false).Resolve(ctx, cl)
	assert.Error(err)
	assert.Empty(shards)
	assert.Equal(rerror.RCOPY_CONFIG_ERROR, rerror.Code(err))
	assert.Contains(err.Error(), "--announced-hosts")

	shards, clustered, err := discovery.NewResolver("redis.example", true).Resolve(ctx, cl)
	assert.NoError(err)
	assert.True(clustered)
	assert.Equal([]string{"10.0.0.1:6379", "10.0.0.2:6379", "10.0.0.3:6379"}, topology.Addresses(shards))
}
