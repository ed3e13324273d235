package migrate

import (
	"context"
	"testing"

	"secflow/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	v, err := Version(ctx, conn)
	if err != nil || v != 0 {
		t.Fatalf("fresh version = %d, %v", v, err)
	}
	latest, err := Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest < 2 {
		t.Fatalf("expected at least two embedded migrations, got %d", latest)
	}
	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, conn); err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
	}
	if v, err = Version(ctx, conn); err != nil || v != latest {
		t.Fatalf("version after migrate = %d, want %d (%v)", v, latest, err)
	}
	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("schema_version rows = %d, %v", n, err)
	}
}
