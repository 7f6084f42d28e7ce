// Package catalog mirrors compiled license fingerprints into PostgreSQL so a
// fleet of servers can share one registry.
package catalog

import (
	"time"
)

// Config contains database configuration
type Config struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	BatchSize       int           `yaml:"batch_size" mapstructure:"batch_size"`
}

// Entry is one stored fingerprint row.
type Entry struct {
	Backend     string    `db:"backend" json:"backend"`
	Name        string    `db:"name" json:"name"`
	Fingerprint string    `db:"fingerprint" json:"fingerprint"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Stats represents catalog statistics
type Stats struct {
	Backend      string    `db:"backend" json:"backend"`
	Entries      int64     `db:"entries" json:"entries"`
	LastModified time.Time `db:"last_modified" json:"last_modified"`
}
