// Package db persists finished scans to PostgreSQL. It owns the schema
// migrations and maps driver errors to the coded errors used elsewhere so
// that callers never see raw SQL or connection details.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/portgate/internal/errors"
	"github.com/anstrom/portgate/internal/logging"
	"github.com/anstrom/portgate/internal/workers"
)

type pgMapping struct {
	code    errors.ErrorCode
	message string
}

// Exact SQLSTATE codes first, then whole classes.
var (
	pgCodes = map[pq.ErrorCode]pgMapping{
		"23505": {errors.CodeConflict, "scan already stored"},
		"23503": {errors.CodeValidation, "port result references an unknown scan"},
		"23502": {errors.CodeValidation, "scan record is missing a required field"},
		"23514": {errors.CodeValidation, "scan record failed a check constraint"},
		"57014": {errors.CodeCanceled, "scan store operation was canceled"},
		"57P01": {errors.CodeDatabaseConnection, "scan store connection lost"},
	}
	pgClasses = map[pq.ErrorClass]pgMapping{
		"08": {errors.CodeDatabaseConnection, "scan store connection error"},
		"53": {errors.CodeServiceUnavailable, "scan store is out of resources"},
	}
)

// sanitizeDBError converts driver errors into coded errors that carry no
// SQL, DSN or credential text. The driver error stays reachable as Cause.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NewDatabaseError(errors.CodeNotFound, "scan not found")
	}

	m := pgMapping{errors.CodeDatabaseQuery, "scan store " + operation + " failed"}
	var pqErr *pq.Error
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		m = pgMapping{errors.CodeDatabaseTimeout, "scan store " + operation + " timed out"}
	case stderrors.As(err, &pqErr):
		if exact, ok := pgCodes[pqErr.Code]; ok {
			m = exact
		} else if class, ok := pgClasses[pqErr.Code.Class()]; ok {
			m = class
		}
	}

	dbErr := errors.NewDatabaseError(m.code, m.message)
	dbErr.Operation = operation
	dbErr.Cause = err
	return dbErr
}

// DB wraps sqlx.DB.
type DB struct {
	*sqlx.DB
}

// Config holds database configuration. Persistence stays off until a
// database name and username are set.
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port" validate:"min=1,max=65535"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode" validate:"oneof=disable require verify-ca verify-full"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	// ConnectRetries is how many more times a refused connection is tried
	// at startup, RetryDelay apart.
	ConnectRetries int           `yaml:"connect_retries" json:"connect_retries" validate:"gte=0"`
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// DefaultConfig returns the default database configuration.
// Database name, username, and password must be explicitly configured.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
		ConnectRetries:  3,
		RetryDelay:      2 * time.Second,
	}
}

// DSN renders the lib/pq keyword connection string. Values are quoted so a
// password containing spaces survives.
func (c *Config) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s application_name=portgate",
		c.Host, c.Port, quoteDSN(c.Database), quoteDSN(c.Username), quoteDSN(c.Password), c.SSLMode)
	if c.ConnectTimeout > 0 {
		dsn += fmt.Sprintf(" connect_timeout=%d", int(c.ConnectTimeout.Round(time.Second)/time.Second))
	}
	return dsn
}

// Redacted describes the target without credentials, for logs.
func (c *Config) Redacted() string {
	u := url.URL{Scheme: "postgres", Host: fmt.Sprintf("%s:%d", c.Host, c.Port), Path: c.Database}
	if c.Username != "" {
		u.User = url.User(c.Username)
	}
	return u.String()
}

func quoteDSN(v string) string {
	if v == "" {
		return "''"
	}
	out := make([]byte, 0, len(v)+2)
	out = append(out, '\'')
	for i := 0; i < len(v); i++ {
		if v[i] == '\'' || v[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, v[i])
	}
	return string(append(out, '\''))
}

// Connect opens the pool and verifies it, retrying refused connections so
// portgate can start alongside its database.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	logger := logging.Default().WithComponent("db")

	var conn *sqlx.DB
	policy := workers.RetryPolicy{
		MaxRetries: config.ConnectRetries,
		Delay:      config.RetryDelay,
		Retryable: func(err error) bool {
			return errors.IsCode(err, errors.CodeDatabaseConnection)
		},
	}
	retries, err := workers.Retry(ctx, policy, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			logger.Warn("Retrying database connection", "target", config.Redacted(), "attempt", attempt+1)
		}
		c, err := sqlx.ConnectContext(ctx, "postgres", config.DSN())
		if err != nil {
			return errors.WrapDatabaseError(errors.CodeDatabaseConnection, "failed to connect to scan store", err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	conn.SetMaxOpenConns(config.MaxOpenConns)
	conn.SetMaxIdleConns(config.MaxIdleConns)
	conn.SetConnMaxLifetime(config.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	logger.Info("Connected to scan store", "target", config.Redacted(), "retries", retries)
	return &DB{DB: conn}, nil
}

// Ping verifies the connection.
func (db *DB) Ping(ctx context.Context) error {
	return sanitizeDBError("ping", db.PingContext(ctx))
}
