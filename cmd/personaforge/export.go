package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"personaforge/internal/export"
	"personaforge/pkg/models"
)

var (
	exportCategory string
	exportOutput   string
)

var exportCmd = &cobra.Command{
	Use:   "export <persona-slug>",
	Short: "Write a persona's persisted artifacts to a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportCategory, "category", "", "Restrict to one artifact category")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output JSON file (default: <slug>.json)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	slug := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if _, err := st.GetPersona(ctx, slug); err != nil {
		return fmt.Errorf("unknown persona %q: %w", slug, err)
	}

	category := models.Category(exportCategory)
	if exportCategory != "" && !models.ValidCategory(category) {
		return fmt.Errorf("unknown category %q", exportCategory)
	}

	path := exportOutput
	if path == "" {
		path = slug + ".json"
	}

	n, err := export.WriteFile(ctx, st, slug, category, path)
	if err != nil {
		return err
	}
	fmt.Printf("exported %d artifacts to %s\n", n, path)
	return nil
}
