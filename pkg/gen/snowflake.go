package gen

import (
	"fmt"

	"platform-economy/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("snowflake", fx.Provide(NewNode))

// NewNode builds the id generator for NODE_ID. Every running process needs
// its own node id or generated ids can collide.
func NewNode(cfg *config.Config) (*snowflake.Node, error) {
	if cfg.NodeID < 0 || cfg.NodeID > maxNodeID() {
		return nil, fmt.Errorf("NODE_ID %d out of range [0, %d]", cfg.NodeID, maxNodeID())
	}
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	zap.L().Info("snowflake node ready", zap.Int64("node_id", cfg.NodeID))
	return node, nil
}

func maxNodeID() int64 {
	return -1 ^ (-1 << snowflake.NodeBits)
}
