package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"personaforge/internal/export"
	"personaforge/internal/service"
	"personaforge/pkg/models"
)

var (
	genArtifacts   int
	genCategories  string
	genModel       string
	genTemperature float64
	genSeed        int64
	genOutput      string
)

var generateCmd = &cobra.Command{
	Use:   "generate <description>",
	Short: "Build a persona and generate its artifact set",
	Long: `Build a persona from a free-text description, then generate and
persist a coherent batch of artifacts for it.

Examples:
  personaforge generate "Senior Go engineer at a fintech startup"
  personaforge generate "SRE on a platform team" --artifacts 10 --seed 42
  personaforge generate "Data engineer" --categories code,config,log -o run.json`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().IntVar(&genArtifacts, "artifacts", 0, "Number of artifacts to generate (default from config)")
	generateCmd.Flags().StringVar(&genCategories, "categories", "", "Comma-separated artifact categories (default: all)")
	generateCmd.Flags().StringVar(&genModel, "model", "", "Model override for this run")
	generateCmd.Flags().Float64Var(&genTemperature, "temperature", 0, "Sampling temperature 0.0-1.0 (default from config)")
	generateCmd.Flags().Int64Var(&genSeed, "seed", 0, "Seed for a reproducible run")
	generateCmd.Flags().StringVarP(&genOutput, "output", "o", "", "Export the run's artifacts to a JSON file")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	gen, err := buildGenerator(cfg, st, logger)
	if err != nil {
		return err
	}

	rc := service.RunConfig{
		Description: args[0],
		Count:       genArtifacts,
		Temperature: genTemperature,
		Model:       genModel,
		Output:      genOutput,
	}
	if genCategories != "" {
		categories, err := models.ParseCategories(genCategories)
		if err != nil {
			return err
		}
		rc.Categories = categories
	}
	if cmd.Flags().Changed("seed") {
		rc.Seed = genSeed
		rc.SeedSet = true
	}

	report, err := gen.Run(ctx, rc)
	if err != nil {
		return err
	}

	m := report.Manifest
	fmt.Printf("persona:   %s (%s)\n", report.Persona.Name, report.Persona.Slug)
	fmt.Printf("role:      %s at %s\n", report.Persona.Role, report.Persona.Company)
	fmt.Printf("requested: %d\n", m.Requested)
	fmt.Printf("accepted:  %d\n", m.Accepted)
	if m.Exhausted > 0 {
		fmt.Printf("exhausted: %d\n", m.Exhausted)
	}
	if m.Failed > 0 {
		fmt.Printf("failed:    %d\n", m.Failed)
	}
	for reason, n := range m.Rejected {
		fmt.Printf("rejected:  %d (%s)\n", n, reason)
	}
	fmt.Printf("elapsed:   %s\n", report.Elapsed.Round(time.Millisecond))

	if genOutput != "" {
		n, err := export.WriteFile(ctx, st, report.Persona.Slug, "", genOutput)
		if err != nil {
			return err
		}
		fmt.Printf("exported:  %d artifacts to %s\n", n, genOutput)
	}

	if !m.Satisfied() {
		return fmt.Errorf("run incomplete: %d of %d artifacts accepted", m.Accepted, m.Requested)
	}
	return nil
}
