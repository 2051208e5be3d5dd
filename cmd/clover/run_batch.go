package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/utils"
)

// shutdownTimeout bounds cleanup in the one-shot commands.
const shutdownTimeout = 10 * time.Second

func newRunBatchCommand(ctx *commandContext) *cobra.Command {
	var req models.BatchRequest
	var rulesPath string

	cmd := &cobra.Command{
		Use:   "run-batch",
		Short: "Dedupe and score one batch of businesses and print the report",
		Long: "Runs the dedupe and scoring stages once. With no --id flags every active " +
			"business is processed, up to --limit.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if rulesPath != "" {
				cfg.ScoringRulesPath = rulesPath
			}
			if _, err := utils.Validate(req); err != nil {
				return err
			}

			a := newApp(cfg, logger)
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
				defer cancel()
				a.close(closeCtx)
			}()

			if err := a.connect(cmd.Context()); err != nil {
				return err
			}
			if err := a.wire(); err != nil {
				return err
			}

			report, err := a.runner.RunBatch(cmd.Context(), req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().StringSliceVar(&req.BusinessIDs, "id", nil, "Business id to process (repeatable)")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "Maximum businesses when no ids are given")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "Scoring rules file (overrides SCORING_RULES_PATH)")
	return cmd
}
