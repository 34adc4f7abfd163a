package utils

import (
	"testing"
	"testing/fstest"
	"time"
)

func TestPostgresPoolConfig_Defaults(t *testing.T) {
	c := PostgresPoolConfig{}.withDefaults()
	if c.MaxOpenConns != 20 || c.MaxIdleConns != 20 {
		t.Fatalf("unexpected pool sizes: %+v", c)
	}
	if c.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected ping timeout: %v", c.PingTimeout)
	}

	c = PostgresPoolConfig{MaxOpenConns: 4}.withDefaults()
	if c.MaxIdleConns != 4 {
		t.Fatalf("expected idle conns to follow open conns, got %d", c.MaxIdleConns)
	}
}

func TestMigrationFiles_SortedAndFiltered(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_tickets.sql":      {Data: []byte("select 1")},
		"0001_call_records.sql": {Data: []byte("select 1")},
		"README.md":             {Data: []byte("docs")},
		"nested/0003_x.sql":     {Data: []byte("select 1")},
	}
	names, err := migrationFiles(fsys)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(names) != 2 || names[0] != "0001_call_records.sql" || names[1] != "0002_tickets.sql" {
		t.Fatalf("unexpected files: %v", names)
	}
}
