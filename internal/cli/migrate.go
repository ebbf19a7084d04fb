package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meridianhealth/jobkit/internal/database"
	"github.com/meridianhealth/jobkit/internal/database/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration commands",
	Long: `Database migration commands for jobkit.

Migrations are embedded in the binary and applied automatically when
the database is opened; these commands exist for explicit control and
inspection.

Examples:
  jobkit migrate status        Show applied migrations
  jobkit migrate apply         Apply pending migrations`,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  `Show which embedded migrations have been applied to the database.`,
	RunE:  runMigrateStatus,
}

var migrateApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply pending migrations",
	Long:  `Open the database and apply any embedded migrations not yet recorded.`,
	RunE:  runMigrateApply,
}

func init() {
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateApplyCmd)

	rootCmd.AddCommand(migrateCmd)
}

func openDatabase() (*database.DB, error) {
	cfg, err := loadConfigOrDefaults()
	if err != nil {
		return nil, err
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := migrations.GetApplied(context.Background(), db.DB)
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}

	if len(applied) == 0 {
		fmt.Println("No migrations have been applied yet.")
		return nil
	}

	fmt.Println("Applied migrations:")
	for _, m := range applied {
		fmt.Printf("  ✓ %s (applied %s)\n", m.ID, m.AppliedAt.Format("2006-01-02 15:04:05"))
	}

	return nil
}

func runMigrateApply(cmd *cobra.Command, args []string) error {
	// Open applies pending migrations as a side effect.
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Database is up to date.")
	return nil
}
