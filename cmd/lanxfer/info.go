package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opd-ai/lanxfer"
)

func idCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print this node's peer id and static key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			node, cfg, err := openNode(cmd, func(o *lanxfer.Options) { o.InMemoryCatalog = true })
			if err != nil {
				return err
			}
			defer node.Close()

			key := node.PublicHex()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "peer id:    %s\n", node.PeerID())
			fmt.Fprintf(out, "public key: %s\n", key)
			fmt.Fprintf(out, "share as:   %s@%s#%s\n", node.PeerID(), cfg.ListenAddr, key)
			return nil
		},
	}
}

func historyCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished transfers, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			node, _, err := openNode(cmd, nil)
			if err != nil {
				return err
			}
			defer node.Close()

			records, err := node.History(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FINISHED\tDIR\tPEER\tRESULT\tBYTES\tPATH")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.Finished.Local().Format(time.DateTime), r.Direction, r.PeerID, r.Result, r.Bytes, r.Path)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	return cmd
}

func checkpointsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "List interrupted transfers that can resume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			node, _, err := openNode(cmd, func(o *lanxfer.Options) { o.InMemoryCatalog = true })
			if err != nil {
				return err
			}
			defer node.Close()

			cps, err := node.Checkpoints()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "UPDATED\tPEER\tACKED\tPATH")
			for _, cp := range cps {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\n",
					cp.UpdatedAt.Local().Format(time.DateTime), cp.PeerID, cp.Acked.Count(), cp.Geometry.ChunkCount, cp.Path)
			}
			return tw.Flush()
		},
	}
}
