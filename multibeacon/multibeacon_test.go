package multibeacon

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrynode/validator/beacon"
)

func fakeNodes(n int) []*beacon.Node {
	out := make([]*beacon.Node, n)
	for i := range out {
		out[i] = &beacon.Node{Host: "node"}
	}
	return out
}

func TestFirstOKReturnsFirstSuccess(t *testing.T) {
	nodes := fakeNodes(3)
	v, err := firstOK(context.Background(), nodes, func(ctx context.Context, n *beacon.Node) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFirstOKAllFail(t *testing.T) {
	nodes := fakeNodes(2)
	_, err := firstOK(context.Background(), nodes, func(ctx context.Context, n *beacon.Node) (int, error) {
		return 0, errors.New("boom")
	})
	assert.Error(t, err)
}

func TestAllOKToleratesPartialFailure(t *testing.T) {
	nodes := fakeNodes(3)
	i := 0
	results, err := allOK(context.Background(), nodes, func(ctx context.Context, n *beacon.Node) (int, error) {
		i++
		if i == 1 {
			return 0, errors.New("boom")
		}
		return i, nil
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestAllOKFailsWhenEveryCallFails(t *testing.T) {
	nodes := fakeNodes(2)
	_, err := allOK(context.Background(), nodes, func(ctx context.Context, n *beacon.Node) (int, error) {
		return 0, errors.New("boom")
	})
	assert.Error(t, err)
}
