package consumer

import (
	"fmt"

	"github.com/rzbill/flowstream/internal/consumer/state"
)

// Config identifies one consumer instance of a group.
type Config struct {
	Group    string
	Instance int
	// Instances, Strategy and HashKey declare the group shape. They are used
	// only when the group does not exist yet; an existing group keeps its
	// stored configuration. Zero Instances means the group must exist.
	Instances int
	Strategy  state.Strategy
	HashKey   string
	// Filter is an optional CEL expression; events it rejects are skipped
	// and never delivered to this group.
	Filter string
}

func (c Config) groupConfig() state.GroupConfig {
	return state.GroupConfig{Instances: c.Instances, Strategy: c.Strategy, HashKey: c.HashKey}
}

func (c Config) validate() error {
	if c.Group == "" {
		return fmt.Errorf("consumer: empty group name")
	}
	if c.Instance < 0 {
		return fmt.Errorf("%w: instance %d", ErrInstanceOutOfRange, c.Instance)
	}
	if _, err := state.ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	return nil
}
