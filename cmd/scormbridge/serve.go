package main

import (
	"github.com/spf13/cobra"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime bridge host until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.newRuntime(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer rt.close()

			a.logger.With("addr", a.cfg.ListenAddr, "public_url", a.cfg.PublicURL).Info("bridge host listening")
			return rt.serve(cmd.Context())
		},
	}
}
