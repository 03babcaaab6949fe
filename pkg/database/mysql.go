package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"callcoach-server/pkg/config"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

const queryTimeout = 10 * time.Second

// MySQLDatabase represents a MySQL database connection
type MySQLDatabase struct {
	db     *sql.DB
	config config.DatabaseConfig
	logger *logrus.Logger
}

// BuildDSN renders the driver DSN for cfg. Times are parsed as UTC and
// updates report matched rows rather than changed rows.
func BuildDSN(cfg config.DatabaseConfig) string {
	dsn := mysql.NewConfig()
	dsn.User = cfg.Username
	dsn.Passwd = cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dsn.DBName = cfg.Name
	dsn.ParseTime = true
	dsn.Loc = time.UTC
	dsn.ClientFoundRows = true
	dsn.Params = map[string]string{"charset": "utf8mb4"}
	if cfg.TLSMode != "" {
		dsn.TLSConfig = cfg.TLSMode
	}
	return dsn.FormatDSN()
}

// NewMySQLDatabase opens and pings a connection pool.
func NewMySQLDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *logrus.Logger) (*MySQLDatabase, error) {
	db, err := sql.Open("mysql", BuildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host":     cfg.Host,
		"port":     cfg.Port,
		"database": cfg.Name,
	}).Info("Connected to MySQL database")

	return &MySQLDatabase{
		db:     db,
		config: cfg,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (m *MySQLDatabase) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// Health checks database health
func (m *MySQLDatabase) Health(ctx context.Context) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Migrate runs database migrations
func (m *MySQLDatabase) Migrate(ctx context.Context) error {
	for i, migration := range migrations {
		m.logger.WithField("migration", i+1).Debug("Running migration")

		if _, err := m.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	m.logger.WithField("count", len(migrations)).Info("Database migrations completed successfully")
	return nil
}

// withTimeout bounds a query by queryTimeout while keeping the caller's
// cancellation.
func (m *MySQLDatabase) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}

var migrations = []string{
	createCallsTable,
	createTranscriptSegmentsTable,
	createAmmoItemsTable,
	createNudgesTable,
	createTeamCoachingTable,
}

const createCallsTable = `
CREATE TABLE IF NOT EXISTS calls (
    id VARCHAR(36) PRIMARY KEY,
    team_id VARCHAR(64) NOT NULL,
    closer_id VARCHAR(64) NOT NULL,
    prospect_name VARCHAR(255) NULL,
    sample_rate INT NOT NULL,
    status ENUM('waiting', 'active', 'completed') NOT NULL DEFAULT 'waiting',
    started_at TIMESTAMP(3) NOT NULL,
    ended_at TIMESTAMP(3) NULL,
    duration_seconds BIGINT NULL,
    recording_url VARCHAR(1024) NULL,
    transcript MEDIUMTEXT NULL,
    closer_talk_seconds DOUBLE NOT NULL DEFAULT 0,
    prospect_talk_seconds DOUBLE NOT NULL DEFAULT 0,
    detection JSON NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    INDEX idx_team_id (team_id),
    INDEX idx_closer_id (closer_id),
    INDEX idx_status (status),
    INDEX idx_started_at (started_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`

const createTranscriptSegmentsTable = `
CREATE TABLE IF NOT EXISTS transcript_segments (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    call_id VARCHAR(36) NOT NULL,
    role ENUM('closer', 'prospect') NOT NULL,
    speaker_id VARCHAR(32) NOT NULL,
    text TEXT NOT NULL,
    audio_timestamp BIGINT NOT NULL,
    created_at TIMESTAMP(3) NOT NULL,
    FOREIGN KEY (call_id) REFERENCES calls(id) ON DELETE CASCADE,
    INDEX idx_call_id (call_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`

const createAmmoItemsTable = `
CREATE TABLE IF NOT EXISTS ammo_items (
    id VARCHAR(36) PRIMARY KEY,
    call_id VARCHAR(36) NOT NULL,
    text TEXT NOT NULL,
    category VARCHAR(32) NOT NULL,
    custom_category_id VARCHAR(64) NULL,
    score INT NOT NULL,
    repetition_count INT NOT NULL DEFAULT 1,
    is_heavy_hitter BOOLEAN NOT NULL DEFAULT FALSE,
    suggested_use TEXT NULL,
    audio_timestamp BIGINT NOT NULL,
    created_at TIMESTAMP(3) NOT NULL,
    FOREIGN KEY (call_id) REFERENCES calls(id) ON DELETE CASCADE,
    INDEX idx_call_id (call_id),
    INDEX idx_score (score)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`

const createNudgesTable = `
CREATE TABLE IF NOT EXISTS nudges (
    id VARCHAR(36) PRIMARY KEY,
    call_id VARCHAR(36) NOT NULL,
    type VARCHAR(32) NOT NULL,
    message VARCHAR(512) NOT NULL,
    detail TEXT NULL,
    trigger_keyword VARCHAR(255) NULL,
    priority ENUM('high', 'medium', 'low') NOT NULL,
    created_at TIMESTAMP(3) NOT NULL,
    FOREIGN KEY (call_id) REFERENCES calls(id) ON DELETE CASCADE,
    INDEX idx_call_id (call_id),
    INDEX idx_type (type)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`

const createTeamCoachingTable = `
CREATE TABLE IF NOT EXISTS team_coaching (
    team_id VARCHAR(64) PRIMARY KEY,
    ammo_config JSON NULL,
    custom_prompt TEXT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`
