package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/lexbatch/pkg/moderation"
)

var scopeCmd = &cobra.Command{
	Use:   "scope",
	Short: "Validate, preview and estimate a job manifest without creating a job",
}

var (
	scopeJobPath  string
	scopePage     int
	scopePageSize int
)

var scopeValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Resolve the manifest scope and show a sample",
	RunE:  runScopeValidate,
}

var scopePreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Render prompts for one page of the scope",
	Long: `Render prompts for one page of the scope with the same renderer the
engine uses.

Example:
  lexbatch scope preview --job job.yaml --page 2 --page-size 10`,
	RunE: runScopePreview,
}

var scopeEstimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate tokens and cost for the manifest",
	RunE:  runScopeEstimate,
}

func init() {
	rootCmd.AddCommand(scopeCmd)
	for _, c := range []*cobra.Command{scopeValidateCmd, scopePreviewCmd, scopeEstimateCmd} {
		scopeCmd.AddCommand(c)
		c.Flags().StringVarP(&scopeJobPath, "job", "j", "", "Path to job manifest (required)")
		_ = c.MarkFlagRequired("job")
	}
	scopePreviewCmd.Flags().IntVar(&scopePage, "page", 1, "Page number (1-based)")
	scopePreviewCmd.Flags().IntVar(&scopePageSize, "page-size", moderation.DefaultPreviewPageSize, "Entries per page")
}

// withService loads the manifest, opens the app and calls fn.
func withService(cmd *cobra.Command, fn func(svc *moderation.Service, req moderation.CreateJobRequest) error) error {
	req, err := loadJobRequest(scopeJobPath)
	if err != nil {
		return err
	}
	return withJobService(cmd, func(svc *moderation.Service) error {
		return fn(svc, req)
	})
}

func runScopeValidate(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(svc *moderation.Service, req moderation.CreateJobRequest) error {
		res, err := svc.ValidateScope(cmd.Context(), req.Scope)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid scope", err)
		}
		return printJSON(res)
	})
}

func runScopePreview(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(svc *moderation.Service, req moderation.CreateJobRequest) error {
		res, err := svc.Preview(cmd.Context(), moderation.PreviewRequest{
			Model:           req.Model,
			Template:        req.Template,
			Scope:           req.Scope,
			ServiceTier:     req.ServiceTier,
			ReasoningEffort: req.ReasoningEffort,
			Page:            scopePage,
			PageSize:        scopePageSize,
		})
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Preview failed", err)
		}
		return printJSON(res)
	})
}

func runScopeEstimate(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(svc *moderation.Service, req moderation.CreateJobRequest) error {
		res, err := svc.Estimate(cmd.Context(), req.EstimateRequest())
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Estimate failed", err)
		}
		return printJSON(res)
	})
}
