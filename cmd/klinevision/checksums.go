package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newChecksumsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checksums",
		Short: "Work with the checksum-failure registry",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded checksum failures",
		RunE:  runChecksumsList,
	}
	list.Flags().Bool("all", false, "Include resolved records")

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Re-fetch flagged days and resolve records that now verify",
		RunE:  runChecksumsRetry,
	}

	cmd.AddCommand(list, retry)
	return cmd
}

func runChecksumsList(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline(cmd)
	if err != nil {
		return err
	}

	all, _ := cmd.Flags().GetBool("all")
	records, err := p.store.Registry().List()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSYMBOL\tINTERVAL\tDATE\tACTION\tRESOLVED\tRECORDED")
	shown := 0
	for _, rec := range records {
		if rec.Resolved && !all {
			continue
		}
		shown++
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			rec.ID, rec.Symbol, rec.Interval, rec.Date, rec.Action, rec.Resolved,
			rec.Timestamp.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if shown == 0 {
		fmt.Println("no checksum failures recorded")
	}
	return nil
}

func runChecksumsRetry(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolved, err := p.orch.RetryFailedChecksums(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("resolved", resolved).Msg("checksum retry complete")
	return nil
}
