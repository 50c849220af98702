package ranking

import (
	"log/slog"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func migrator(db *gorm.DB) *gormigrate.Gormigrate {
	return gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID:       "1",
			Migrate:  migration1,
			Rollback: rollback1,
		},
	})
}

func migration1(tx *gorm.DB) error {
	if name := tx.Dialector.Name(); name == "sqlite" || name == "sqlite3" {
		// Sqlite does not enforce foreign keys unless asked to.
		if err := tx.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			slog.Error("error enabling foreign keys for SQLite", "error", err)
		}
	}
	return tx.AutoMigrate(&SubmissionRecord{}, &TaskScoreRecord{})
}

func rollback1(tx *gorm.DB) error {
	return tx.Migrator().DropTable(&TaskScoreRecord{}, &SubmissionRecord{})
}
