package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/greaterdan/aimcore/pkg/config"
	"github.com/greaterdan/aimcore/pkg/translog"
)

// checkpointCmd cuts a checkpoint outside the hourly rollover, e.g. before
// planned maintenance. With a remote signer the checkpoint is left open for
// witnesses to co-sign.
func checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Cut a transparency-log checkpoint now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			log := newLogger(cfg.LogLevel)
			ctx := cmd.Context()

			c, err := openCore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if err := c.rollover(ctx); err != nil {
				if errors.Is(err, translog.ErrNoNewEntries) {
					fmt.Fprintln(cmd.OutOrStdout(), "no new journal entries")
					return nil
				}
				return err
			}
			cp, err := c.translog.Latest(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint %s: root %s, tree size %d, status %s\n",
				cp.ID, cp.MerkleRoot, cp.TreeSize, cp.Status)
			return nil
		},
	}
}
