package database

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/aeolun/gxsstore/pkg/gxs"
)

// TestMigrationPath validates the complete migration path from release 0 to
// CurrentRelease.
//
// IMPORTANT: This test MUST be updated every time you add a new migration!
//
// When adding migration N:
// 1. Add a new test case in migrationTests for release N-1 → N
// 2. Create sample rows in the "before" state (release N-1 schema)
// 3. Validate the rows after migration to release N
func TestMigrationPath(t *testing.T) {
	migrationTests := []struct {
		name           string
		fromVersion    int
		toVersion      int
		setupData      func(db *sql.DB) error
		validateData   func(db *sql.DB, t *testing.T)
		validateSchema func(db *sql.DB, t *testing.T)
	}{
		{
			name:        "v0 → v1: Initial schema creation",
			fromVersion: 0,
			toVersion:   1,
			setupData: func(db *sql.DB) error {
				return nil
			},
			validateData: func(db *sql.DB, t *testing.T) {},
			validateSchema: func(db *sql.DB, t *testing.T) {
				for _, table := range []string{"GROUPS", "MESSAGES", "DATABASE_RELEASE"} {
					var count int
					err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
					if err != nil {
						t.Fatalf("Failed to check table %s: %v", table, err)
					}
					if count != 1 {
						t.Errorf("Table %s not found after migration to v1", table)
					}
				}
				var count int
				err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_messages_grp'").Scan(&count)
				if err != nil {
					t.Fatalf("Failed to check index: %v", err)
				}
				if count != 1 {
					t.Errorf("Index idx_messages_grp not found after migration to v1")
				}
			},
		},

		{
			name:        "v1 → v2: Received timestamps",
			fromVersion: 1,
			toVersion:   2,
			setupData: func(db *sql.DB) error {
				_, err := db.Exec(`INSERT INTO GROUPS (grpId, grpName, timeStamp, subscribeFlag) VALUES (?, 'legacy', 500, ?)`,
					groupID(1).String(), gxs.SubscribeSubscribed)
				if err != nil {
					return err
				}
				_, err = db.Exec(`INSERT INTO MESSAGES (msgId, grpId, msgName, timeStamp) VALUES (?, ?, 'old', 600)`,
					msgID(1).String(), groupID(1).String())
				return err
			},
			validateData: func(db *sql.DB, t *testing.T) {
				var recv int64
				if err := db.QueryRow(`SELECT recv_time_stamp FROM GROUPS WHERE grpId = ?`, groupID(1).String()).Scan(&recv); err != nil {
					t.Fatalf("Failed to query group: %v", err)
				}
				if recv != 0 {
					t.Errorf("Expected recv_time_stamp 0 for pre-v2 group, got %d", recv)
				}
				var name string
				if err := db.QueryRow(`SELECT msgName FROM MESSAGES WHERE msgId = ?`, msgID(1).String()).Scan(&name); err != nil {
					t.Fatalf("Failed to query message: %v", err)
				}
				if name != "old" {
					t.Errorf("Expected message name 'old', got %q", name)
				}
			},
			validateSchema: func(db *sql.DB, t *testing.T) {
				for _, table := range []string{"GROUPS", "MESSAGES"} {
					var count int
					err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = 'recv_time_stamp'`, table).Scan(&count)
					if err != nil {
						t.Fatalf("Failed to check column on %s: %v", table, err)
					}
					if count != 1 {
						t.Errorf("Column recv_time_stamp missing on %s", table)
					}
				}
				var count int
				err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_messages_orig'").Scan(&count)
				if err != nil {
					t.Fatalf("Failed to check index: %v", err)
				}
				if count != 1 {
					t.Errorf("Index idx_messages_orig not found after migration to v2")
				}
			},
		},

		{
			name:        "v2 → v3: Stored item sizes backfilled",
			fromVersion: 2,
			toVersion:   3,
			setupData: func(db *sql.DB) error {
				// Uncompressed blobs: one flag byte followed by the body.
				_, err := db.Exec(`INSERT INTO GROUPS (grpId, meta_data, nxsData) VALUES (?, ?, ?)`,
					groupID(2).String(), []byte{0x00, 'a', 'b', 'c'}, []byte{0x00, 1, 2})
				if err != nil {
					return err
				}
				_, err = db.Exec(`INSERT INTO MESSAGES (msgId, grpId, meta_data, nxsData) VALUES (?, ?, ?, NULL)`,
					msgID(2).String(), groupID(2).String(), []byte{0x00, 'x', 'y'})
				return err
			},
			validateData: func(db *sql.DB, t *testing.T) {
				var grpSize, msgSize int
				if err := db.QueryRow(`SELECT grpSize FROM GROUPS WHERE grpId = ?`, groupID(2).String()).Scan(&grpSize); err != nil {
					t.Fatalf("Failed to query group size: %v", err)
				}
				if grpSize != 5 {
					t.Errorf("Expected backfilled grpSize 5, got %d", grpSize)
				}
				if err := db.QueryRow(`SELECT msgSize FROM MESSAGES WHERE msgId = ?`, msgID(2).String()).Scan(&msgSize); err != nil {
					t.Fatalf("Failed to query message size: %v", err)
				}
				if msgSize != 2 {
					t.Errorf("Expected backfilled msgSize 2, got %d", msgSize)
				}
			},
			validateSchema: func(db *sql.DB, t *testing.T) {
				cols := map[string]string{"GROUPS": "grpSize", "MESSAGES": "msgSize"}
				for table, col := range cols {
					var count int
					err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, col).Scan(&count)
					if err != nil {
						t.Fatalf("Failed to check column %s: %v", col, err)
					}
					if count != 1 {
						t.Errorf("Column %s missing on %s", col, table)
					}
				}
			},
		},
	}

	for _, tt := range migrationTests {
		t.Run(tt.name, func(t *testing.T) {
			dbPath := filepath.Join(t.TempDir(), "test.db")

			// Open raw connection without migration system
			rawDB, err := sql.Open("sqlite", dbPath)
			if err != nil {
				t.Fatalf("Failed to open database: %v", err)
			}

			if tt.fromVersion > 0 {
				if err := initMigrations(rawDB); err != nil {
					rawDB.Close()
					t.Fatalf("Failed to init migrations: %v", err)
				}
				migrations, err := loadMigrations()
				if err != nil {
					rawDB.Close()
					t.Fatalf("Failed to load migrations: %v", err)
				}
				for _, m := range migrations {
					if m.Version <= tt.fromVersion {
						if err := applyMigration(rawDB, m); err != nil {
							rawDB.Close()
							t.Fatalf("Failed to apply migration %d: %v", m.Version, err)
						}
					}
				}
			}

			if err := tt.setupData(rawDB); err != nil {
				rawDB.Close()
				t.Fatalf("Failed to setup test data: %v", err)
			}
			rawDB.Close()

			// Now open with full migration system (will migrate to latest)
			s, err := Open(dbPath, Options{})
			if err != nil {
				t.Fatalf("Failed to open database with migrations: %v", err)
			}
			defer s.Close()

			tt.validateSchema(s.db, t)
			tt.validateData(s.db, t)

			version, err := getCurrentVersion(s.db)
			if err != nil {
				t.Fatalf("Failed to get current version: %v", err)
			}
			if version < tt.toVersion {
				t.Errorf("Expected version >= %d, got %d", tt.toVersion, version)
			}
		})
	}
}

// TestFullMigrationPath opens a release 1 database holding rows written by
// the first schema and checks they are readable through the store after
// every pending step ran.
func TestFullMigrationPath(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	rawDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := initMigrations(rawDB); err != nil {
		t.Fatalf("Failed to init migrations: %v", err)
	}
	if err := applyMigration(rawDB, migration{Version: 1, Name: "initial schema", Apply: migrateInitial}); err != nil {
		t.Fatalf("Failed to apply migration 1: %v", err)
	}
	_, err = rawDB.Exec(`INSERT INTO GROUPS (grpId, origGrpId, grpName, timeStamp, subscribeFlag, lastPost)
		VALUES (?, ?, 'legacy', 500, ?, 700)`,
		groupID(1).String(), groupID(1).String(), gxs.SubscribeSubscribed)
	if err != nil {
		t.Fatalf("Failed to insert group: %v", err)
	}
	_, err = rawDB.Exec(`INSERT INTO MESSAGES (msgId, grpId, origMsgId, threadId, msgName, timeStamp, nxsData)
		VALUES (?, ?, ?, ?, 'hello', 700, ?)`,
		msgID(1).String(), groupID(1).String(), msgID(1).String(), msgID(1).String(), []byte{0x00, 'h', 'i'})
	if err != nil {
		t.Fatalf("Failed to insert message: %v", err)
	}
	rawDB.Close()

	s, err := Open(dbPath, Options{})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer s.Close()

	release, err := s.Release()
	if err != nil {
		t.Fatalf("Failed to get release: %v", err)
	}
	if release != CurrentRelease {
		t.Errorf("Expected release %d, got %d", CurrentRelease, release)
	}

	groups, err := s.RetrieveGxsGrpMetaData(nil)
	if err != nil {
		t.Fatalf("Failed to read groups: %v", err)
	}
	g, ok := groups[groupID(1)]
	if !ok {
		t.Fatalf("Legacy group missing after migration")
	}
	if g.Name != "legacy" || g.LastPostTS != 700 {
		t.Errorf("Unexpected legacy group %+v", g)
	}

	msgs, err := s.RetrieveNxsMsgs(map[gxs.GroupID][]gxs.MessageID{groupID(1): nil}, true)
	if err != nil {
		t.Fatalf("Failed to read messages: %v", err)
	}
	if len(msgs[groupID(1)]) != 1 {
		t.Fatalf("Expected 1 legacy message, got %d", len(msgs[groupID(1)]))
	}
	m := msgs[groupID(1)][0]
	if string(m.Data) != "hi" || m.MetaData.MsgSize != 2 {
		t.Errorf("Unexpected legacy message data %q size %d", m.Data, m.MetaData.MsgSize)
	}
}

// TestFailedMigrationKeepsRelease breaks release 2 by adding one of its
// columns by hand; the upgrade must fail and leave nothing applied.
func TestFailedMigrationKeepsRelease(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	rawDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := initMigrations(rawDB); err != nil {
		t.Fatalf("Failed to init migrations: %v", err)
	}
	if err := applyMigration(rawDB, migration{Version: 1, Name: "initial schema", Apply: migrateInitial}); err != nil {
		t.Fatalf("Failed to apply migration 1: %v", err)
	}
	if _, err := rawDB.Exec(`ALTER TABLE MESSAGES ADD COLUMN recv_time_stamp INTEGER NOT NULL DEFAULT 0`); err != nil {
		t.Fatalf("Failed to pre-add column: %v", err)
	}
	rawDB.Close()

	if _, err := Open(dbPath, Options{}); err == nil {
		t.Fatalf("Expected open to fail on conflicting migration")
	}

	rawDB, err = sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer rawDB.Close()

	version, err := getCurrentVersion(rawDB)
	if err != nil {
		t.Fatalf("Failed to get version: %v", err)
	}
	if version != 1 {
		t.Errorf("Expected release to stay at 1, got %d", version)
	}
	var count int
	err = rawDB.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('GROUPS') WHERE name = 'recv_time_stamp'`).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to check column: %v", err)
	}
	if count != 0 {
		t.Errorf("Partial release 2 was committed")
	}
}

// applyMigration runs a single step in its own transaction, leaving the
// database at exactly that release.
func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := applyInTx(tx, m); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit migration")
}
