package client

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rzbill/flowstream/internal/consumer/state"
	"github.com/rzbill/flowstream/internal/runtime"
)

// NewGroupCommand constructs the `group` command group.
func NewGroupCommand(open RuntimeFunc) *cobra.Command {
	groupCmd := &cobra.Command{Use: "group", Short: "Consumer group administration"}
	groupCmd.AddCommand(newGroupConfigureCommand(open), newGroupSyncCommand(open))
	return groupCmd
}

// newGroupConfigureCommand constructs the `group configure` subcommand.
func newGroupConfigureCommand(open RuntimeFunc) *cobra.Command {
	configureCmd := &cobra.Command{
		Use:   "configure",
		Short: "Set the instance count (and optionally the strategy) of a group",
		Long: "Moves the group to a new generation. Every consumer of the group must be " +
			"closed first; new instances resume from the lowest cursor of the old ones.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stream, _ := cmd.Flags().GetString("stream")
			group, _ := cmd.Flags().GetString("group")
			instances, _ := cmd.Flags().GetInt("instances")
			strategyName, _ := cmd.Flags().GetString("strategy")
			hashKey, _ := cmd.Flags().GetString("hash-key")
			return withRuntime(cmd, open, func(rt *runtime.Runtime) error {
				var (
					gs  state.GroupState
					err error
				)
				if strategyName == "" {
					gs, err = rt.Admin().ConfigureInstances(cmd.Context(), stream, group, instances)
				} else {
					strategy, perr := state.ParseStrategy(strategyName)
					if perr != nil {
						return perr
					}
					gs, err = rt.Admin().ConfigureGroup(cmd.Context(), stream, group,
						state.GroupConfig{Instances: instances, Strategy: strategy, HashKey: hashKey})
				}
				if err != nil {
					return err
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"group":      group,
					"instances":  gs.Instances,
					"strategy":   gs.Strategy,
					"generation": gs.Generation,
				})
			})
		},
	}
	configureCmd.Flags().String("stream", "", "Stream name")
	configureCmd.Flags().String("group", "", "Group name")
	configureCmd.Flags().Int("instances", 1, "Number of consumer instances")
	configureCmd.Flags().String("strategy", "", "Dequeue strategy: fifo|round_robin|hash (default keeps the current one)")
	configureCmd.Flags().String("hash-key", "", "Header hashed by the hash strategy")
	_ = configureCmd.MarkFlagRequired("stream")
	_ = configureCmd.MarkFlagRequired("group")
	return configureCmd
}

// newGroupSyncCommand constructs the `group sync` subcommand.
func newGroupSyncCommand(open RuntimeFunc) *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync group=instances...",
		Short: "Make the groups of a stream match the arguments; unlisted groups are dropped",
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, _ := cmd.Flags().GetString("stream")
			groups := make(map[string]int, len(args))
			for _, a := range args {
				g, n, ok := strings.Cut(a, "=")
				count, err := strconv.Atoi(n)
				if !ok || g == "" || err != nil {
					return fmt.Errorf("invalid group %q; expected name=instances", a)
				}
				groups[g] = count
			}
			return withRuntime(cmd, open, func(rt *runtime.Runtime) error {
				if err := rt.Admin().ConfigureGroups(cmd.Context(), stream, groups); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
				return nil
			})
		},
	}
	syncCmd.Flags().String("stream", "", "Stream name")
	_ = syncCmd.MarkFlagRequired("stream")
	return syncCmd
}
