package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/greaterdan/aimcore/pkg/config"
)

func sweepCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a demurrage sweep by hand",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			log := newLogger(cfg.LogLevel)
			ctx := cmd.Context()

			c, err := openCore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			res, err := c.sweeper.Sweep(ctx, days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d accounts (%d failed), %d micro collected\n",
				res.Processed, res.Failed, res.TotalMicro)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 1, "days of demurrage to apply")
	return cmd
}
