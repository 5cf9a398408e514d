package client

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/rzbill/flowstream/internal/consumer"
	"github.com/rzbill/flowstream/internal/consumer/state"
	"github.com/rzbill/flowstream/internal/runtime"
)

// NewConsumeCommand constructs the `consume` command.
func NewConsumeCommand(open RuntimeFunc) *cobra.Command {
	consumeCmd := &cobra.Command{
		Use:   "consume",
		Short: "Dequeue events as one instance of a consumer group",
		Long: "Each batch is polled inside its own transaction and committed after it is " +
			"printed, unless --no-commit is set, in which case it is rolled back and " +
			"will be delivered again.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stream, _ := cmd.Flags().GetString("stream")
			group, _ := cmd.Flags().GetString("group")
			instance, _ := cmd.Flags().GetInt("instance")
			instances, _ := cmd.Flags().GetInt("instances")
			strategyName, _ := cmd.Flags().GetString("strategy")
			hashKey, _ := cmd.Flags().GetString("hash-key")
			filter, _ := cmd.Flags().GetString("filter")
			maxEvents, _ := cmd.Flags().GetInt("max")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			follow, _ := cmd.Flags().GetBool("follow")
			limit, _ := cmd.Flags().GetInt("limit")
			noCommit, _ := cmd.Flags().GetBool("no-commit")
			strategy, err := state.ParseStrategy(strategyName)
			if err != nil {
				return err
			}
			if maxEvents <= 0 {
				return errors.New("--max must be positive")
			}

			return withRuntime(cmd, open, func(rt *runtime.Runtime) error {
				ctx := cmd.Context()
				c, err := rt.OpenConsumer(ctx, stream, consumer.Config{
					Group:     group,
					Instance:  instance,
					Instances: instances,
					Strategy:  strategy,
					HashKey:   hashKey,
					Filter:    filter,
				})
				if err != nil {
					return err
				}
				defer func() { _ = c.Close() }()

				enc := json.NewEncoder(cmd.OutOrStdout())
				txc := rt.NewTxContext(c)
				total := 0
				for {
					if err := txc.Start(ctx); err != nil {
						return err
					}
					batch := maxEvents
					if limit > 0 && limit-total < batch {
						batch = limit - total
					}
					events, err := c.Poll(ctx, batch, timeout)
					if err != nil {
						_ = txc.Abort(ctx)
						if follow && ctx.Err() != nil {
							return nil
						}
						return err
					}
					for _, ev := range events {
						if err := enc.Encode(decodedEvent(ev)); err != nil {
							_ = txc.Abort(ctx)
							return err
						}
					}
					if noCommit {
						err = txc.Abort(ctx)
					} else {
						err = txc.Finish(ctx)
					}
					if err != nil {
						return err
					}
					total += len(events)
					switch {
					case limit > 0 && total >= limit:
						return nil
					case !follow:
						return nil
					case ctx.Err() != nil:
						return nil
					}
				}
			})
		},
	}
	consumeCmd.Flags().String("stream", "", "Stream name")
	consumeCmd.Flags().String("group", "", "Consumer group")
	consumeCmd.Flags().Int("instance", 0, "Instance id within the group")
	consumeCmd.Flags().Int("instances", 1, "Group size used when the group does not exist yet")
	consumeCmd.Flags().String("strategy", "fifo", "Strategy used when the group does not exist yet: fifo|round_robin|hash")
	consumeCmd.Flags().String("hash-key", "", "Header hashed by the hash strategy")
	consumeCmd.Flags().String("filter", "", "CEL filter; rejected events are skipped for this group")
	consumeCmd.Flags().Int("max", 100, "Maximum events per batch")
	consumeCmd.Flags().Duration("timeout", 0, "How long a poll waits for new events")
	consumeCmd.Flags().Bool("follow", false, "Keep polling until interrupted")
	consumeCmd.Flags().Int("limit", 0, "Stop after N events (0 = no limit)")
	consumeCmd.Flags().Bool("no-commit", false, "Roll back every batch instead of committing")
	_ = consumeCmd.MarkFlagRequired("stream")
	_ = consumeCmd.MarkFlagRequired("group")
	return consumeCmd
}

