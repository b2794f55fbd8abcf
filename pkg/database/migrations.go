package database

import (
	"database/sql"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// migration is one release step. Steps run in Version order.
type migration struct {
	Version int
	Name    string
	Apply   func(tx *sql.Tx) error
}

// CurrentRelease is the schema release written by this version of the code.
const CurrentRelease = 3

const releaseID = 1

func loadMigrations() ([]migration, error) {
	migrations := []migration{
		{Version: 1, Name: "initial schema", Apply: migrateInitial},
		{Version: 2, Name: "received timestamps", Apply: migrateReceivedTimestamps},
		{Version: 3, Name: "stored item sizes", Apply: migrateItemSizes},
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			return nil, errors.Errorf("migration %q has version %d, want %d", m.Name, m.Version, i+1)
		}
	}
	return migrations, nil
}

// initMigrations creates the release table and its single row.
func initMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS DATABASE_RELEASE (
		id INTEGER PRIMARY KEY,
		release INTEGER NOT NULL
	)`); err != nil {
		return errors.Wrap(err, "failed to create release table")
	}
	_, err := db.Exec(`INSERT OR IGNORE INTO DATABASE_RELEASE (id, release) VALUES (?, 0)`, releaseID)
	return errors.Wrap(err, "failed to seed release row")
}

func getCurrentVersion(q interface {
	QueryRow(string, ...any) *sql.Row
}) (int, error) {
	var release int
	err := q.QueryRow(`SELECT release FROM DATABASE_RELEASE WHERE id = ?`, releaseID).Scan(&release)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read release")
	}
	return release, nil
}

func applyInTx(tx *sql.Tx, m migration) error {
	if err := m.Apply(tx); err != nil {
		return errors.WithMessagef(err, "migration %d (%s)", m.Version, m.Name)
	}
	if _, err := tx.Exec(`UPDATE DATABASE_RELEASE SET release = ? WHERE id = ?`, m.Version, releaseID); err != nil {
		return errors.Wrapf(err, "failed to record release %d", m.Version)
	}
	return nil
}

// runMigrations brings the schema to CurrentRelease. All pending steps run
// inside one transaction; on any failure nothing is committed and the
// release number is left unchanged.
func runMigrations(db *sql.DB) error {
	if err := initMigrations(db); err != nil {
		return err
	}
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	current, err := getCurrentVersion(tx)
	if err != nil {
		return err
	}
	if current > CurrentRelease {
		return errors.Errorf("database release %d is newer than supported release %d", current, CurrentRelease)
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		jww.INFO.Printf("[GXS-DB] applying release %d (%s)", m.Version, m.Name)
		if err := applyInTx(tx, m); err != nil {
			return err
		}
		applied++
	}
	if applied == 0 {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit migrations")
	}
	jww.INFO.Printf("[GXS-DB] database upgraded from release %d to %d", current, CurrentRelease)
	return nil
}

func execAll(tx *sql.Tx, stmts ...string) error {
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func migrateInitial(tx *sql.Tx) error {
	return execAll(tx,
		`CREATE TABLE IF NOT EXISTS GROUPS (
			grpId TEXT PRIMARY KEY,
			origGrpId TEXT NOT NULL DEFAULT '',
			parentGrpId TEXT NOT NULL DEFAULT '',
			grpName TEXT NOT NULL DEFAULT '',
			grpFlags INTEGER NOT NULL DEFAULT 0,
			signFlags INTEGER NOT NULL DEFAULT 0,
			timeStamp INTEGER NOT NULL DEFAULT 0,
			identity TEXT NOT NULL DEFAULT '',
			circleId TEXT NOT NULL DEFAULT '',
			circleType INTEGER NOT NULL DEFAULT 0,
			authenFlags INTEGER NOT NULL DEFAULT 0,
			intCircleId TEXT NOT NULL DEFAULT '',
			originator TEXT NOT NULL DEFAULT '',
			subscribeFlag INTEGER NOT NULL DEFAULT 0,
			popularity INTEGER NOT NULL DEFAULT 0,
			msgCount INTEGER NOT NULL DEFAULT 0,
			grpStatus INTEGER NOT NULL DEFAULT 0,
			lastPost INTEGER NOT NULL DEFAULT 0,
			reputationCutoff INTEGER NOT NULL DEFAULT 0,
			serv_string TEXT NOT NULL DEFAULT '',
			keySet BLOB,
			meta_data BLOB,
			nxsData BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS MESSAGES (
			msgId TEXT PRIMARY KEY,
			grpId TEXT NOT NULL,
			origMsgId TEXT NOT NULL DEFAULT '',
			parentId TEXT NOT NULL DEFAULT '',
			threadId TEXT NOT NULL DEFAULT '',
			identity TEXT NOT NULL DEFAULT '',
			msgName TEXT NOT NULL DEFAULT '',
			timeStamp INTEGER NOT NULL DEFAULT 0,
			msgFlag INTEGER NOT NULL DEFAULT 0,
			msgStatus INTEGER NOT NULL DEFAULT 0,
			childTs INTEGER NOT NULL DEFAULT 0,
			serv_string TEXT NOT NULL DEFAULT '',
			signSet BLOB,
			meta_data BLOB,
			nxsData BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_grp ON MESSAGES(grpId)`,
	)
}

func migrateReceivedTimestamps(tx *sql.Tx) error {
	return execAll(tx,
		`ALTER TABLE GROUPS ADD COLUMN recv_time_stamp INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE MESSAGES ADD COLUMN recv_time_stamp INTEGER NOT NULL DEFAULT 0`,
		`CREATE INDEX IF NOT EXISTS idx_messages_orig ON MESSAGES(grpId, origMsgId)`,
	)
}

// migrateItemSizes adds the size columns and backfills them from the stored
// blob lengths (flag byte excluded).
func migrateItemSizes(tx *sql.Tx) error {
	return execAll(tx,
		`ALTER TABLE GROUPS ADD COLUMN grpSize INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE MESSAGES ADD COLUMN msgSize INTEGER NOT NULL DEFAULT 0`,
		`UPDATE GROUPS SET grpSize =
			MAX(COALESCE(LENGTH(nxsData), 0) - 1, 0) + MAX(COALESCE(LENGTH(meta_data), 0) - 1, 0)`,
		`UPDATE MESSAGES SET msgSize =
			MAX(COALESCE(LENGTH(nxsData), 0) - 1, 0) + MAX(COALESCE(LENGTH(meta_data), 0) - 1, 0)`,
	)
}

// dropSchema removes every table. Used by ResetDataStore.
func dropSchema(db *sql.DB) error {
	for _, table := range []string{"MESSAGES", "GROUPS", "DATABASE_RELEASE"} {
		if _, err := db.Exec(`DROP TABLE IF EXISTS ` + table); err != nil {
			return errors.Wrapf(err, "failed to drop %s", table)
		}
	}
	return nil
}
