package main

import (
	"github.com/spf13/cobra"

	"github.com/jimdaga/postflow/internal/database"
)

func newMigrateCommand() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, db, err := loadBase()
			if err != nil {
				return err
			}
			defer database.Close(db)

			if down {
				return database.RollbackMigration(db, logger)
			}
			return database.RunMigrations(db, logger)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back the most recent migration")
	return cmd
}

func newSeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert development data",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, db, err := loadBase()
			if err != nil {
				return err
			}
			defer database.Close(db)

			if err := database.RunMigrations(db, logger); err != nil {
				return err
			}
			return database.SeedDevData(db, logger)
		},
	}
}
