package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	channelsync "github.com/nlstn/go-channelsync"
	"github.com/nlstn/go-channelsync/internal/payload"
	"github.com/spf13/cobra"
)

func newEnqueueCmd(a *app) *cobra.Command {
	var (
		companyID   int64
		channelID   int64
		parentID    int64
		deduplicate bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue <operation> <json-data>",
		Short: "Submit a task",
		Example: `  channelsync enqueue sync_shop '{"shopId":20}' --company 5 --channel 1
  channelsync enqueue sync_product '{"productId":30,"direction":"upload"}' --company 5 --channel 1 --dedupe`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := payload.Wrap(args[0], json.RawMessage(args[1]))
			if err != nil {
				return err
			}
			p, err := payload.Decode(raw)
			if err != nil {
				return err
			}
			req := channelsync.EnqueueRequest{
				CompanyID:   companyID,
				ChannelID:   channelID,
				Payload:     p,
				Deduplicate: deduplicate,
			}
			if parentID > 0 {
				req.ParentID = &parentID
			}

			svc, err := a.service()
			if err != nil {
				return err
			}
			defer svc.Close()
			id, err := svc.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued task %d\n", id)
			return nil
		},
	}
	cmd.Flags().Int64Var(&companyID, "company", 0, "company id (required)")
	cmd.Flags().Int64Var(&channelID, "channel", 0, "channel id (required)")
	cmd.Flags().Int64Var(&parentID, "parent", 0, "parent task id")
	cmd.Flags().BoolVar(&deduplicate, "dedupe", false, "merge into an identical unfinished task")
	_ = cmd.MarkFlagRequired("company")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var (
		companyID int64
		channelID int64
		taskID    int64
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print task counts by state for a company or a task tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (companyID > 0) == (taskID > 0) {
				return fmt.Errorf("exactly one of --company and --task is required")
			}
			svc, err := a.service(channelsync.WithoutWakeUps())
			if err != nil {
				return err
			}
			defer svc.Close()

			out := cmd.OutOrStdout()
			if taskID > 0 {
				task, err := svc.Task(cmd.Context(), taskID)
				if err != nil {
					return err
				}
				counts, err := svc.TreeStatus(cmd.Context(), taskID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "task %d %s state=%s retry=%d\n", task.ID, task.Operation, task.State, task.Retry)
				printCounts(out, counts)
				return nil
			}
			counts, err := svc.Status(cmd.Context(), companyID, channelID)
			if err != nil {
				return err
			}
			printCounts(out, counts)
			return nil
		},
	}
	cmd.Flags().Int64Var(&companyID, "company", 0, "company id")
	cmd.Flags().Int64Var(&channelID, "channel", 0, "restrict --company to one channel")
	cmd.Flags().Int64Var(&taskID, "task", 0, "report a task and its descendants")
	return cmd
}

func printCounts(w io.Writer, c channelsync.Counts) {
	fmt.Fprintf(w, "pending=%d claimed=%d suspended=%d succeeded=%d failed=%d total=%d\n",
		c.Pending, c.Claimed, c.Suspended, c.Succeeded, c.Failed, c.Total())
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and all its descendants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			svc, err := a.service(channelsync.WithoutWakeUps())
			if err != nil {
				return err
			}
			defer svc.Close()
			n, err := svc.DeleteTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d task(s)\n", n)
			return nil
		},
	}
}

func newWakeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "wake <task-id>",
		Short: "Resume a suspended task now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			svc, err := a.service()
			if err != nil {
				return err
			}
			defer svc.Close()
			woke, err := svc.Wake(cmd.Context(), id)
			if err != nil {
				return err
			}
			if woke {
				fmt.Fprintf(cmd.OutOrStdout(), "woke task %d\n", id)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "task %d is not suspended\n", id)
			}
			return nil
		},
	}
}
