package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newModelsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models the inference server offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			llm, err := a.cfg.LLM.llm(http.DefaultClient, a.logger)
			if err != nil {
				return fmt.Errorf("error creating llm: %w", err)
			}

			names, err := llm.Models(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
