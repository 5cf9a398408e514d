package client

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rzbill/flowstream/internal/runtime"
	"github.com/rzbill/flowstream/internal/streamfile"
)

// NewLegacyCommand constructs the `legacy` command group for the pre-file log.
func NewLegacyCommand(open RuntimeFunc) *cobra.Command {
	legacyCmd := &cobra.Command{Use: "legacy", Short: "Pre-file event log operations"}
	writeCmd := &cobra.Command{
		Use:   "write payload...",
		Short: "Append events to the legacy log of a stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, _ := cmd.Flags().GetString("stream")
			hdrs, _ := cmd.Flags().GetStringArray("header")
			headers, err := parseHeaders(hdrs)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return errors.New("nothing to write")
			}
			events := make([]streamfile.Event, len(args))
			for i, a := range args {
				events[i] = streamfile.Event{Headers: headers, Payload: []byte(a)}
			}
			return withRuntime(cmd, open, func(rt *runtime.Runtime) error {
				if _, err := rt.Admin().GetConfig(cmd.Context(), stream); err != nil {
					return err
				}
				l, err := rt.OpenLegacyLog(stream)
				if err != nil {
					return err
				}
				seqs, err := l.Append(cmd.Context(), events)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "written: %d last seq: %d\n", len(seqs), seqs[len(seqs)-1])
				return nil
			})
		},
	}
	writeCmd.Flags().String("stream", "", "Stream name")
	writeCmd.Flags().StringArray("header", nil, "Event header key=value (repeatable)")
	_ = writeCmd.MarkFlagRequired("stream")
	legacyCmd.AddCommand(writeCmd)
	return legacyCmd
}
