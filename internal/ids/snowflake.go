package ids

import (
	"github.com/bwmarrin/snowflake"
)

// Generator hands out unique, time-ordered int64 identifiers.
type Generator interface {
	NewID() int64
}

// Snowflake generates ids with a snowflake node.
type Snowflake struct {
	node *snowflake.Node
}

// NewSnowflake creates a generator for the given node id (0-1023).
func NewSnowflake(nodeID int64) (*Snowflake, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &Snowflake{node: node}, nil
}

// NewID returns the next id.
func (s *Snowflake) NewID() int64 {
	return s.node.Generate().Int64()
}
