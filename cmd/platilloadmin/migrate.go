package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"platilloadmin/internal/config"
	"platilloadmin/internal/db"
	"platilloadmin/internal/logx"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database and the records table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			log, err := logx.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			conn, err := db.OpenMySQL(cfg.MySQL)
			if err != nil {
				return fmt.Errorf("open mysql: %w", err)
			}
			defer conn.Close()

			if err := db.Migrate(cmd.Context(), conn, cfg.RecordsCollection); err != nil {
				return err
			}
			log.Info("[migrate] done", zap.String("collection", cfg.RecordsCollection))
			return nil
		},
	}
}
