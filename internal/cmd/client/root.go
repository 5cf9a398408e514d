package client

import (
	"github.com/spf13/cobra"

	"github.com/rzbill/flowstream/internal/runtime"
)

// RuntimeFunc opens the runtime a command operates on. The command closes it.
type RuntimeFunc func(cmd *cobra.Command) (*runtime.Runtime, error)

// NewRoot constructs a root Cobra command holding every client command.
func NewRoot(open RuntimeFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "flowstream",
		Short: "flowstream client commands",
	}
	AddCommands(root, open)
	return root
}

// AddCommands registers the stream, group, consume and legacy commands.
func AddCommands(root *cobra.Command, open RuntimeFunc) {
	root.AddCommand(
		NewStreamCommand(open),
		NewGroupCommand(open),
		NewConsumeCommand(open),
		NewLegacyCommand(open),
	)
}

// withRuntime opens the runtime, runs fn and closes it.
func withRuntime(cmd *cobra.Command, open RuntimeFunc, fn func(rt *runtime.Runtime) error) error {
	rt, err := open(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()
	return fn(rt)
}
