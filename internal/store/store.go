// Package store provides PostgreSQL-backed persistence for the session
// coordination engine: users, sessions, session membership, the append-only
// message log, pending inputs, pending permission requests, and proxy auth
// tokens. It implements the durable side of the protocol as methods on
// *Store, plus the listing/issuance queries the REST surface needs.
//
// Connection pooling and schema migration follow the same shape as any
// database/sql + lib/pq service: a bounded pool, idempotent
// CREATE TABLE IF NOT EXISTS migrations run once at startup.
package store

import (
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Config holds the connection parameters for the relational store.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Store wraps the pooled *sql.DB and implements the message-store contract.
type Store struct {
	db *sql.DB
}

var (
	hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
	identRegex    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

func validateConfig(config Config) error {
	if config.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(config.Host) == nil && !hostnameRegex.MatchString(config.Host) {
		return fmt.Errorf("invalid database host: %s", config.Host)
	}

	if config.Port == "" {
		return fmt.Errorf("database port cannot be empty")
	}
	if port, err := strconv.Atoi(config.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s", config.Port)
	}

	if config.User == "" || !identRegex.MatchString(config.User) {
		return fmt.Errorf("invalid database user: %s", config.User)
	}
	if config.DBName == "" || !identRegex.MatchString(config.DBName) {
		return fmt.Errorf("invalid database name: %s", config.DBName)
	}

	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if config.SSLMode != "" {
		valid := false
		for _, mode := range validSSLModes {
			if config.SSLMode == mode {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid SSL mode: %s (must be one of: %s)", config.SSLMode, strings.Join(validSSLModes, ", "))
		}
	}
	return nil
}

// New opens a pooled connection to Postgres and pings it.
func New(config Config) (*Store, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewForTesting wraps an existing *sql.DB (typically a go-sqlmock
// connection) for unit tests that exercise query shape without a live
// Postgres instance.
func NewForTesting(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the schema if it does not already exist. It is safe to
// run on every backend startup.
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(64) PRIMARY KEY,
			email VARCHAR(255) UNIQUE NOT NULL,
			admin BOOLEAN NOT NULL DEFAULT false,
			disabled BOOLEAN NOT NULL DEFAULT false,
			ban_reason TEXT,
			password_hash VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			owner_user_id VARCHAR(64) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			working_directory TEXT NOT NULL DEFAULT '',
			agent_type VARCHAR(32) NOT NULL DEFAULT 'claude',
			status VARCHAR(32) NOT NULL DEFAULT 'active',
			git_branch VARCHAR(255),
			client_version VARCHAR(64),
			last_ack_seq BIGINT NOT NULL DEFAULT 0,
			input_seq BIGINT NOT NULL DEFAULT 0,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cumulative_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,

		`CREATE TABLE IF NOT EXISTS session_members (
			session_id VARCHAR(64) NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			user_id VARCHAR(64) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			role VARCHAR(16) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(session_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_members_user ON session_members(user_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			user_id VARCHAR(64) REFERENCES users(id) ON DELETE SET NULL,
			role VARCHAR(32) NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS pending_inputs (
			session_id VARCHAR(64) NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq_num BIGINT NOT NULL,
			content TEXT NOT NULL,
			send_mode VARCHAR(16) NOT NULL DEFAULT 'normal',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (session_id, seq_num)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_inputs_session_seq ON pending_inputs(session_id, seq_num)`,

		`CREATE TABLE IF NOT EXISTS pending_permission_requests (
			session_id VARCHAR(64) PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
			request_id VARCHAR(64) NOT NULL,
			tool_name VARCHAR(255) NOT NULL,
			input_json TEXT NOT NULL DEFAULT '',
			suggestions_json TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS proxy_auth_tokens (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL DEFAULT '',
			token_hash VARCHAR(64) UNIQUE NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_used_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ,
			revoked BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proxy_auth_tokens_user ON proxy_auth_tokens(user_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
