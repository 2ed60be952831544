package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opd-ai/lanxfer"
	"github.com/opd-ai/lanxfer/discovery"
	"github.com/opd-ai/lanxfer/file"
)

func sendCommand() *cobra.Command {
	var (
		compress bool
		record   bool
	)

	cmd := &cobra.Command{
		Use:   "send <id@host:port[#hexkey]> <file> [remote-path]",
		Short: "Send one file to a peer",
		Long: "Send one file to a peer and wait for it to be verified.\n\n" +
			"Without --record the history catalog is kept in memory, so send can run\n" +
			"next to a serve process that owns the same data directory.",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := discovery.ParsePeer(args[0])
			if err != nil {
				return err
			}
			local := args[1]
			remote := filepath.Base(local)
			if len(args) == 3 {
				remote = args[2]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			node, _, err := openNode(cmd, func(o *lanxfer.Options) {
				o.InMemoryCatalog = !record
				o.AutoResume = false
				if cmd.Flags().Changed("compress") {
					o.Compression = compress
				}
			})
			if err != nil {
				return err
			}
			defer node.Close()

			if err := node.Connect(ctx, peer); err != nil {
				return err
			}
			s, err := node.SendFile(ctx, peer.ID, local, remote)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-s.Done():
					st := s.Stats()
					if err := s.Err(); err != nil {
						return fmt.Errorf("transfer %s: %w", s.State(), err)
					}
					fmt.Fprintf(out, "sent %s to %s: %d chunks (%d resumed, %d retransmitted) in %s\n",
						remote, peer.ID, st.Chunks, st.Resumed, st.Retransmits,
						time.Since(s.Started()).Round(time.Millisecond))
					return nil
				case <-ticker.C:
					printProgress(out, s)
				}
			}
		},
	}

	cmd.Flags().BoolVar(&compress, "compress", false, "compress chunk payloads")
	cmd.Flags().BoolVar(&record, "record", false, "record the transfer in the on-disk history")
	return cmd
}

func printProgress(w io.Writer, s *file.Session) {
	acked, total := s.Progress()
	if total == 0 {
		fmt.Fprintf(w, "%s: %s\n", s.Path(), s.State())
		return
	}
	fmt.Fprintf(w, "%s: %s %d/%d chunks (%.0f%%)\n", s.Path(), s.State(), acked, total,
		100*float64(acked)/float64(total))
}
