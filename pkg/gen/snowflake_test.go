package gen

import (
	"testing"

	"platform-economy/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestNewNode(t *testing.T) {
	cfg := &config.Config{NodeID: 7}
	node, err := NewNode(cfg)
	require.NoError(t, err)
	require.Equal(t, int64(7), node.Generate().Node())

	_, err = NewNode(&config.Config{NodeID: 1024})
	require.Error(t, err)

	_, err = NewNode(&config.Config{NodeID: -1})
	require.Error(t, err)
}
