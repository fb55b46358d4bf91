// Command bulkregister imports patient accounts from a JSON file.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"veydha/internal/config"
	"veydha/internal/logger"
	"veydha/internal/service/patient"
	"veydha/internal/storage"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bulkregister <patients.json>",
	Short: "Register patients in bulk",
	Long: `Reads a JSON array of patients ({patientId, name, password, age, gender})
and registers every entry that is valid and not yet registered.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runImport,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("VEYDHA_CONFIG"), "path to config.json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	path := args[0]
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return fmt.Errorf("%s: expected a .json file", path)
	}

	_ = godotenv.Load()
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.New(cfg.Log)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	entries, err := patient.DecodeImport(f)
	if err != nil {
		return err
	}

	dbType := strings.ToLower(cfg.BasicConfig.Database)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := patient.NewService(db).ImportPatients(ctx, entries)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, reason := range result.Skipped {
		fmt.Fprintf(out, "skipped %s\n", reason)
	}
	fmt.Fprintf(out, "created %d, already registered %d, invalid %d\n", result.Created, result.Existed, result.Invalid)
	return nil
}
