package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type endpointClient struct {
	fakeChainClient
	err   error
	calls int
}

func (c *endpointClient) BlockNumber(ctx context.Context) (uint64, error) {
	c.calls++
	if c.err != nil {
		return 0, c.err
	}
	return c.head, nil
}

func newTestPool(t *testing.T, clients map[string]*endpointClient, endpoints ...string) (*RPCPool, *[]string) {
	t.Helper()
	var dialed []string
	pool, err := NewRPCPool(context.Background(), RPCPoolConfig{
		Endpoints: endpoints,
		Cooldown:  time.Minute,
		Dialer: func(ctx context.Context, url string) (ChainClient, error) {
			dialed = append(dialed, url)
			c, ok := clients[url]
			if !ok {
				return nil, errors.New("dial tcp: connection refused")
			}
			return c, nil
		},
	})
	require.NoError(t, err)
	return pool, &dialed
}

func TestSplitEndpoints(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitEndpoints(" a, ,b ,"))
	assert.Empty(t, SplitEndpoints(""))
}

func TestRPCPool_FailsOverOnTransientError(t *testing.T) {
	primary := &endpointClient{err: errors.New("429 Too Many Requests")}
	backup := &endpointClient{fakeChainClient: fakeChainClient{head: 42}}
	pool, dialed := newTestPool(t, map[string]*endpointClient{"p": primary, "b": backup}, "p", "b")

	assert.Equal(t, []string{"p"}, *dialed)

	head, err := pool.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), head)
	assert.Equal(t, 1, pool.CurrentIndex())
	assert.Equal(t, []string{"p", "b"}, *dialed)

	// sticks to the backup
	_, err = pool.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 2, backup.calls)

	// primary still cooling down
	assert.False(t, pool.TryResetToPrimary())

	pool.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.True(t, pool.TryResetToPrimary())
	assert.Equal(t, 0, pool.CurrentIndex())
}

func TestRPCPool_PermanentErrorDoesNotFailOver(t *testing.T) {
	primary := &endpointClient{err: errors.New("invalid params")}
	backup := &endpointClient{}
	pool, dialed := newTestPool(t, map[string]*endpointClient{"p": primary, "b": backup}, "p", "b")

	_, err := pool.BlockNumber(context.Background())
	assert.EqualError(t, err, "invalid params")
	assert.Equal(t, 0, pool.CurrentIndex())
	assert.Equal(t, []string{"p"}, *dialed)
}

func TestRPCPool_AllEndpointsFailing(t *testing.T) {
	primary := &endpointClient{err: errors.New("request timeout")}
	backup := &endpointClient{err: errors.New("rate limit")}
	pool, _ := newTestPool(t, map[string]*endpointClient{"p": primary, "b": backup}, "p", "b", "missing")

	_, err := pool.BlockNumber(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 3 RPC endpoints failed")
	assert.True(t, isTransient(err))
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, backup.calls)
}

func TestRPCPool_RequiresEndpoint(t *testing.T) {
	_, err := NewRPCPool(context.Background(), RPCPoolConfig{})
	assert.Error(t, err)
}
