package config

import (
	"strings"
	"testing"
)

func TestMigrationDialects(t *testing.T) {
	sqlite := migrationStatements("sqlite")
	pg := migrationStatements("pgx")

	if len(sqlite) != len(pg) {
		t.Fatalf("statement count diverged: sqlite %d, pgx %d", len(sqlite), len(pg))
	}

	joined := strings.Join(pg, "\n")
	for _, bad := range []string{"AUTOINCREMENT", "DATETIME"} {
		if strings.Contains(joined, bad) {
			t.Errorf("pgx DDL still contains SQLite-only %s", bad)
		}
	}
	for _, want := range []string{"BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ", "rotated_from BIGINT", "credential_id BIGINT"} {
		if !strings.Contains(joined, want) {
			t.Errorf("pgx DDL missing %s", want)
		}
	}

	// The canonical dialect keeps its SQLite types.
	joined = strings.Join(sqlite, "\n")
	if !strings.Contains(joined, "INTEGER PRIMARY KEY AUTOINCREMENT") {
		t.Error("sqlite DDL lost its AUTOINCREMENT primary keys")
	}
	if strings.Contains(joined, "BIGSERIAL") {
		t.Error("sqlite DDL picked up Postgres types")
	}
}
