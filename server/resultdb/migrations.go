package resultdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE run(
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			created_at INT NOT NULL,
			finished_at INT,
			state TEXT NOT NULL,
			error TEXT,
			detector TEXT,
			num_images INT NOT NULL,
			batch_size INT NOT NULL,
			iou_threshold REAL NOT NULL,
			confidence_threshold REAL NOT NULL,
			overall_precision REAL,
			overall_recall REAL,
			overall_f1 REAL,
			mean_precision REAL,
			optimal_threshold REAL,
			duration_ms INT,
			detail BLOB
		);
		CREATE INDEX idx_run_created_at ON run(created_at);
	`))

	return migs
}
