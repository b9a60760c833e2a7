package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

var requiredPrivs = []string{
	"REPLICATION SLAVE",
	"REPLICATION CLIENT",
	"SELECT",
}

// Checker validates MySQL connection and required permissions
type Checker struct {
	cfg    Config
	logger *logrus.Logger
}

// NewChecker creates a new MySQL checker
func NewChecker(cfg Config, logger *logrus.Logger) *Checker {
	return &Checker{cfg: cfg, logger: logger}
}

// Check verifies the replication user's grants and that the binlog is on and row based
func (c *Checker) Check(ctx context.Context) error {
	db, err := sql.Open("mysql", c.cfg.dsn())
	if err != nil {
		return fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to MySQL server: %w", err)
	}
	c.logger.Info("Successfully connected to MySQL server")

	grants, err := c.grants(ctx, db)
	if err != nil {
		return err
	}
	if missing := MissingPrivileges(grants); len(missing) > 0 {
		return fmt.Errorf("missing required permissions: %s. Current grants: %s", strings.Join(missing, ", "), grants)
	}
	c.logger.Info("All required permissions verified")

	logBin := c.variable(ctx, db, "log_bin")
	if logBin != "" && logBin != "ON" && logBin != "1" {
		return fmt.Errorf("binary logging (log_bin) is not enabled. Current value: %s", logBin)
	}

	format := c.variable(ctx, db, "binlog_format")
	if format != "" && format != "ROW" {
		return fmt.Errorf("binlog_format is %q, ROW is required for row snapshots", format)
	}

	if image := c.variable(ctx, db, "binlog_row_image"); image != "" && image != "FULL" {
		c.logger.Warnf("binlog_row_image is %q, change events may miss unchanged columns", image)
	}
	return nil
}

func (c *Checker) grants(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		// Try alternative query for MySQL 5.6
		rows, err = db.QueryContext(ctx, "SHOW GRANTS")
		if err != nil {
			return "", fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()

	var all []string
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return "", fmt.Errorf("failed to scan grant: %w", err)
		}
		all = append(all, grant)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("error iterating grants: %w", err)
	}
	return strings.Join(all, "; "), nil
}

// variable reads a global variable, returning "" when it cannot be read
func (c *Checker) variable(ctx context.Context, db *sql.DB, name string) string {
	var value string
	if err := db.QueryRowContext(ctx, "SELECT @@"+name).Scan(&value); err != nil {
		c.logger.Warnf("Could not read %s: %v", name, err)
		return ""
	}
	return strings.ToUpper(value)
}

// MissingPrivileges lists the required privileges absent from a SHOW GRANTS dump
func MissingPrivileges(grants string) []string {
	upper := strings.ToUpper(grants)
	if strings.Contains(upper, "ALL PRIVILEGES") {
		return nil
	}
	var missing []string
	for _, priv := range requiredPrivs {
		if !strings.Contains(upper, priv) {
			missing = append(missing, priv)
		}
	}
	return missing
}
