package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rzbill/flowstream/internal/runtime"
	"github.com/rzbill/flowstream/internal/streamfile"
)

// NewStreamCommand constructs the `stream` command group and subcommands.
func NewStreamCommand(open RuntimeFunc) *cobra.Command {
	streamCmd := &cobra.Command{Use: "stream", Short: "Stream operations"}
	streamCmd.AddCommand(
		newStreamCreateCommand(open),
		newStreamUpdateCommand(open),
		newStreamInfoCommand(open),
		newStreamListCommand(open),
		newStreamWriteCommand(open),
		newStreamDropCommand(open),
	)
	return streamCmd
}

func streamConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("stream", "", "Stream name")
	cmd.Flags().Duration("ttl", 0, "Event time-to-live (0 = never expire)")
	cmd.Flags().Duration("partition-duration", 0, "Partition duration (0 = configured default)")
	cmd.Flags().Int("index-interval", 0, "Events between timestamp index entries (0 = configured default)")
	_ = cmd.MarkFlagRequired("stream")
}

func streamConfigFromFlags(cmd *cobra.Command) streamfile.StreamConfig {
	name, _ := cmd.Flags().GetString("stream")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	pd, _ := cmd.Flags().GetDuration("partition-duration")
	ii, _ := cmd.Flags().GetInt("index-interval")
	return streamfile.StreamConfig{Name: name, TTL: ttl, PartitionDuration: pd, IndexInterval: ii}
}

// newStreamCreateCommand constructs the `stream create` subcommand.
func newStreamCreateCommand(open RuntimeFunc) *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := streamConfigFromFlags(cmd)
			cfg.FilePrefix, _ = cmd.Flags().GetString("file-prefix")
			return withRuntime(cmd, open, func(rt *runtime.Runtime) error {
				if err := rt.Admin().Create(cmd.Context(), cfg); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
				return nil
			})
		},
	}
	streamConfigFlags(createCmd)
	createCmd.Flags().String("file-prefix", "", "Event file name prefix")
	return createCmd
}

// newStreamUpdateCommand constructs the `stream update` subcommand.
func newStreamUpdateCommand(open RuntimeFunc) *cobra.Command {
	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Update the TTL, partition duration or index interval of a stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := streamConfigFromFlags(cmd)
			return withRuntime(cmd, open, func(rt *runtime.Runtime) error {
				if !cmd.Flags().Changed("ttl") {
					cur, err := rt.Admin().GetConfig(cmd.Context(), cfg.Name)
					if err != nil {
						return err
					}
					cfg.TTL = cur.TTL
				}
				if err := rt.Admin().UpdateConfig(cmd.Context(), cfg); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
				return nil
			})
		},
	}
	streamConfigFlags(updateCmd)
	return updateCmd
}

// newStreamInfoCommand constructs the `stream info` subcommand.
func newStreamInfoCommand(open RuntimeFunc) *cobra.Command {
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show stream configuration, files and consumer groups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("stream")
			return withRuntime(cmd, open, func(rt *runtime.Runtime) error {
				cfg, err := rt.Admin().GetConfig(cmd.Context(), name)
				if err != nil {
					return err
				}
				groups, err := rt.Admin().Groups(cmd.Context(), name)
				if err != nil {
					return err
				}
				files, err := rt.Files().ListFiles(name, cfg.FilePrefix)
				if err != nil {
					return err
				}
				fileNames := make([]string, len(files))
				for i, f := range files {
					fileNames[i] = f.String()
				}
				groupInfo := map[string]any{}
				for g, gs := range groups {
					groupInfo[g] = map[string]any{
						"instances":  gs.Instances,
						"strategy":   gs.Strategy,
						"hashKey":    gs.HashKey,
						"generation": gs.Generation,
					}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"stream":            cfg.Name,
					"ttl":               cfg.TTL.String(),
					"partitionDuration": cfg.PartitionDuration.String(),
					"indexInterval":     cfg.IndexInterval,
					"filePrefix":        cfg.FilePrefix,
					"files":             fileNames,
					"groups":            groupInfo,
				})
			})
		},
	}
	infoCmd.Flags().String("stream", "", "Stream name")
	_ = infoCmd.MarkFlagRequired("stream")
	return infoCmd
}

// newStreamListCommand constructs the `stream list` subcommand.
func newStreamListCommand(open RuntimeFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List streams",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, open, func(rt *runtime.Runtime) error {
				names, err := rt.Admin().Streams()
				if err != nil {
					return err
				}
				sort.Strings(names)
				for _, n := range names {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}
}

// newStreamWriteCommand constructs the `stream write` subcommand.
func newStreamWriteCommand(open RuntimeFunc) *cobra.Command {
	writeCmd := &cobra.Command{
		Use:   "write [payload...]",
		Short: "Append events; payloads come from the arguments or stdin lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("stream")
			writer, _ := cmd.Flags().GetUint32("writer")
			hdrs, _ := cmd.Flags().GetStringArray("header")
			at, _ := cmd.Flags().GetString("at")
			headers, err := parseHeaders(hdrs)
			if err != nil {
				return err
			}
			ts, err := parseTimestamp(at)
			if err != nil {
				return err
			}
			payloads := args
			if len(payloads) == 0 {
				sc := bufio.NewScanner(cmd.InOrStdin())
				sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
				for sc.Scan() {
					payloads = append(payloads, sc.Text())
				}
				if err := sc.Err(); err != nil {
					return err
				}
			}
			if len(payloads) == 0 {
				return errors.New("nothing to write")
			}
			return withRuntime(cmd, open, func(rt *runtime.Runtime) error {
				w, err := rt.OpenWriter(cmd.Context(), name, writer)
				if err != nil {
					return err
				}
				var last streamfile.Offset
				for _, p := range payloads {
					last, err = w.Append(streamfile.Event{Timestamp: ts, Headers: headers, Payload: []byte(p)})
					if err != nil {
						_ = w.Close()
						return err
					}
				}
				if err := w.Close(); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "written: %d last: %s\n", len(payloads), last)
				return nil
			})
		},
	}
	writeCmd.Flags().String("stream", "", "Stream name")
	writeCmd.Flags().Uint32("writer", 0, "Writer instance id")
	writeCmd.Flags().StringArray("header", nil, "Event header key=value (repeatable)")
	writeCmd.Flags().String("at", "", "Event timestamp: RFC3339 or ms (default now)")
	_ = writeCmd.MarkFlagRequired("stream")
	return writeCmd
}

// newStreamDropCommand constructs the `stream drop` subcommand.
func newStreamDropCommand(open RuntimeFunc) *cobra.Command {
	dropCmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop a stream with its files, legacy log and consumer state (requires --confirm)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("stream")
			all, _ := cmd.Flags().GetBool("all")
			if (name == "") == !all {
				return errors.New("exactly one of --stream and --all is required")
			}
			if ok, _ := cmd.Flags().GetBool("confirm"); !ok {
				return errors.New("refusing to drop without --confirm")
			}
			return withRuntime(cmd, open, func(rt *runtime.Runtime) error {
				var err error
				if all {
					err = rt.Admin().DropAll(cmd.Context())
				} else {
					err = rt.Admin().Drop(cmd.Context(), name)
				}
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
				return nil
			})
		},
	}
	dropCmd.Flags().String("stream", "", "Stream name")
	dropCmd.Flags().Bool("all", false, "Drop every stream")
	dropCmd.Flags().Bool("confirm", false, "Confirm the drop")
	return dropCmd
}

