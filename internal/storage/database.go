package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"veydha/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the database configured under cfg.Databases[dbType].
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbType = strings.ToLower(dbType)
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch dbType {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// sqlite serializes writers; an in-memory database also lives on a
		// single connection.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		params := dbCfg.Params
		if params == "" {
			params = "parseTime=true&charset=utf8mb4"
		} else if !strings.Contains(params, "parseTime") {
			params += "&parseTime=true"
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS patients (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				patient_id TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				password_hash TEXT NOT NULL,
				age INTEGER,
				gender TEXT,
				last_visit_date DATETIME,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS patient_tokens (
				token TEXT PRIMARY KEY,
				patient_id INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				FOREIGN KEY(patient_id) REFERENCES patients(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_patient_tokens_patient ON patient_tokens(patient_id)`,
			`CREATE TABLE IF NOT EXISTS consultations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				patient_id INTEGER NOT NULL,
				date DATETIME NOT NULL,
				diagnosis TEXT NOT NULL,
				medications TEXT NOT NULL,
				FOREIGN KEY(patient_id) REFERENCES patients(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_consultations_patient ON consultations(patient_id)`,
			`CREATE TABLE IF NOT EXISTS intake_sessions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				patient_id INTEGER NOT NULL,
				status TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY(patient_id) REFERENCES patients(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_intake_sessions_patient ON intake_sessions(patient_id, updated_at DESC)`,
			`CREATE TABLE IF NOT EXISTS intake_messages (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				session_id INTEGER NOT NULL,
				speaker TEXT NOT NULL,
				content TEXT NOT NULL,
				is_prompt INTEGER NOT NULL DEFAULT 0,
				options TEXT,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(session_id) REFERENCES intake_sessions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_intake_messages_session ON intake_messages(session_id, seq)`,
			`CREATE TABLE IF NOT EXISTS intake_summaries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id INTEGER NOT NULL,
				symptom TEXT NOT NULL,
				duration TEXT NOT NULL,
				severity TEXT NOT NULL,
				report TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(session_id) REFERENCES intake_sessions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_intake_summaries_session ON intake_summaries(session_id)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS patients (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				patient_id VARCHAR(255) NOT NULL UNIQUE,
				name VARCHAR(255) NOT NULL,
				password_hash VARCHAR(255) NOT NULL,
				age INT NULL,
				gender VARCHAR(16) NULL,
				last_visit_date DATETIME NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS patient_tokens (
				token VARCHAR(255) NOT NULL PRIMARY KEY,
				patient_id BIGINT UNSIGNED NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				INDEX idx_patient_tokens_patient (patient_id),
				CONSTRAINT fk_patient_tokens_patient FOREIGN KEY (patient_id) REFERENCES patients(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS consultations (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				patient_id BIGINT UNSIGNED NOT NULL,
				date DATETIME NOT NULL,
				diagnosis TEXT NOT NULL,
				medications TEXT NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_consultations_patient (patient_id),
				CONSTRAINT fk_consultations_patient FOREIGN KEY (patient_id) REFERENCES patients(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS intake_sessions (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				patient_id BIGINT UNSIGNED NOT NULL,
				status VARCHAR(32) NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_intake_sessions_patient (patient_id, updated_at),
				CONSTRAINT fk_intake_sessions_patient FOREIGN KEY (patient_id) REFERENCES patients(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS intake_messages (
				seq BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				id CHAR(36) NOT NULL UNIQUE,
				session_id BIGINT UNSIGNED NOT NULL,
				speaker VARCHAR(16) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				is_prompt TINYINT(1) NOT NULL DEFAULT 0,
				options TEXT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (seq),
				INDEX idx_intake_messages_session (session_id, seq),
				CONSTRAINT fk_intake_messages_session FOREIGN KEY (session_id) REFERENCES intake_sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS intake_summaries (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				session_id BIGINT UNSIGNED NOT NULL,
				symptom TEXT NOT NULL,
				duration TEXT NOT NULL,
				severity TEXT NOT NULL,
				report MEDIUMTEXT NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_intake_summaries_session (session_id),
				CONSTRAINT fk_intake_summaries_session FOREIGN KEY (session_id) REFERENCES intake_sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
