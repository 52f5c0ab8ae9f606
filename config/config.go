// Package config defines the Go shape this core consumes from its external
// configuration loader.
//
// Spec §6 is explicit that the JSON5 file format (which permits comments
// and trailing commas) is parsed by an external collaborator; this core
// never parses JSON5 itself. What the core owns is: (1) the struct shape
// the loader must populate, (2) the environment-variable override pass
// (`*_DB_HOST|PORT|DATABASE|USER|PASSWORD`), and (3) validation of the
// fields the core's own components depend on (lock-name charset, pool
// bounds, TLS/credential defaults).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// OnMissed is the scheduler's missed-fire policy (spec §4.H).
type OnMissed string

const (
	OnMissedSkip             OnMissed = "skip"
	OnMissedRunAtNextStartup OnMissed = "runAtNextStartup"
)

// Pool is `db.pool` (spec §6).
type Pool struct {
	MaxPoolSize         int `json:"maxPoolSize"`
	MinimumIdle         int `json:"minimumIdle"`
	ConnectionTimeoutMs int `json:"connectionTimeoutMs"`
	IdleTimeoutMs       int `json:"idleTimeoutMs"`
	MaxLifetimeMs       int `json:"maxLifetimeMs"`
	StartupAttempts     int `json:"startupAttempts"`
}

// DB is `db` (spec §6).
type DB struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	TLS      struct {
		Enabled bool `json:"enabled"`
	} `json:"tls"`
	Session struct {
		ForceUTC bool `json:"forceUtc"`
	} `json:"session"`
	Pool Pool `json:"pool"`
}

// Runtime is `runtime` (spec §6).
type Runtime struct {
	ReconnectEveryS int `json:"reconnectEveryS"`
}

// Prune is the backup job's retention policy (spec §4.I / §6).
type Prune struct {
	KeepDays int `json:"keepDays"`
	KeepMax  int `json:"keepMax"`
}

// BackupJob is `modules.scheduler.jobs.backup` (spec §6).
type BackupJob struct {
	Enabled   bool     `json:"enabled"`
	Schedule  string   `json:"schedule"`
	OutDir    string   `json:"outDir"`
	OnMissed  OnMissed `json:"onMissed"`
	Gzip      bool     `json:"gzip"`
	Prune     Prune    `json:"prune"`
}

// IdempotencySweepJob is `modules.scheduler.jobs.cleanup.idempotencySweep` (spec §6).
type IdempotencySweepJob struct {
	Enabled       bool   `json:"enabled"`
	Schedule      string `json:"schedule"`
	RetentionDays int    `json:"retentionDays"`
	BatchLimit    int    `json:"batchLimit"`
}

// Scheduler is `modules.scheduler` (spec §6).
type Scheduler struct {
	Enabled bool `json:"enabled"`
	Jobs    struct {
		Backup  BackupJob `json:"backup"`
		Cleanup struct {
			IdempotencySweep IdempotencySweepJob `json:"idempotencySweep"`
		} `json:"cleanup"`
	} `json:"jobs"`
}

// LedgerFile is `modules.ledger.file` (spec §6) — an optional sink the
// host may enable in addition to the `core_ledger` table; the core only
// needs to know whether it's enabled and where to write.
type LedgerFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Ledger is `modules.ledger` (spec §6).
type Ledger struct {
	Enabled       bool       `json:"enabled"`
	RetentionDays int        `json:"retentionDays"`
	File          LedgerFile `json:"file"`
}

// Modules is `modules` (spec §6).
type Modules struct {
	Ledger    Ledger    `json:"ledger"`
	Scheduler Scheduler `json:"scheduler"`
}

// Log is `log` (spec §6).
type Log struct {
	JSON        bool   `json:"json"`
	SlowQueryMs int    `json:"slowQueryMs"`
	Level       string `json:"level"`
}

// Config is the full parsed shape (spec §6).
type Config struct {
	DB      DB      `json:"db"`
	Runtime Runtime `json:"runtime"`
	Modules Modules `json:"modules"`
	Log     Log     `json:"log"`
}

// ApplyEnvOverrides overrides db.{host,port,database,user,password} from
// `prefix_DB_HOST|PORT|DATABASE|USER|PASSWORD` environment variables (spec
// §6). prefix is host-supplied (e.g. "MINCORE"); an empty prefix is
// rejected so a misconfigured host can't accidentally bind to bare
// DB_HOST-style variables shared with unrelated tooling.
func (c *Config) ApplyEnvOverrides(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("config: env override prefix must not be empty")
	}
	if v, ok := os.LookupEnv(prefix + "_DB_HOST"); ok {
		c.DB.Host = v
	}
	if v, ok := os.LookupEnv(prefix + "_DB_PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s_DB_PORT: %w", prefix, err)
		}
		c.DB.Port = p
	}
	if v, ok := os.LookupEnv(prefix + "_DB_DATABASE"); ok {
		c.DB.Database = v
	}
	if v, ok := os.LookupEnv(prefix + "_DB_USER"); ok {
		c.DB.User = v
	}
	if v, ok := os.LookupEnv(prefix + "_DB_PASSWORD"); ok {
		c.DB.Password = v
	}
	return nil
}

// lockNamePattern is the spec §5 charset advisory lock names (and, by
// extension, job IDs that double as lock names) must match.
var lockNamePattern = regexp.MustCompile(`^[A-Za-z0-9:_\-.]{1,64}$`)

// ValidLockName reports whether name is safe to bind as a `GET_LOCK`
// parameter per spec §5. Never interpolate a lock name into SQL text —
// always validate with this first, then bind as a parameter.
func ValidLockName(name string) bool {
	return lockNamePattern.MatchString(name)
}

// DefaultCredential is one documented default user/password pair.
type DefaultCredential struct {
	User     string
	Password string
}

// KnownDefaultCredentials lists documented default user/password pairs the
// health supervisor (spec §4.A) warns about when seen in a live config.
var KnownDefaultCredentials = []DefaultCredential{
	{User: "root", Password: "root"},
	{User: "root", Password: ""},
	{User: "admin", Password: "admin"},
}

// SecurityWarnings returns the spec §4.A security-default warnings this
// config would trigger: TLS disabled against a non-loopback host, and
// credentials matching a documented default.
func (c *Config) SecurityWarnings() []string {
	var warnings []string
	if !c.DB.TLS.Enabled && !isLoopback(c.DB.Host) {
		warnings = append(warnings, fmt.Sprintf("TLS disabled for non-loopback host %q", c.DB.Host))
	}
	for _, cred := range KnownDefaultCredentials {
		if cred.User == c.DB.User && cred.Password == c.DB.Password {
			warnings = append(warnings, fmt.Sprintf("credentials for user %q match a documented default", c.DB.User))
			break
		}
	}
	return warnings
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// Validate checks the fields the core's own components rely on being
// well-formed, independent of anything gameplay-module specific.
func (c *Config) Validate() error {
	if c.DB.Pool.MaxPoolSize <= 0 {
		return fmt.Errorf("config: db.pool.maxPoolSize must be positive")
	}
	if c.DB.Pool.MinimumIdle < 0 || c.DB.Pool.MinimumIdle > c.DB.Pool.MaxPoolSize {
		return fmt.Errorf("config: db.pool.minimumIdle must be between 0 and maxPoolSize")
	}
	if c.Modules.Scheduler.Enabled {
		if b := c.Modules.Scheduler.Jobs.Backup; b.Enabled && b.OnMissed != OnMissedSkip && b.OnMissed != OnMissedRunAtNextStartup {
			return fmt.Errorf("config: modules.scheduler.jobs.backup.onMissed must be %q or %q", OnMissedSkip, OnMissedRunAtNextStartup)
		}
	}
	return nil
}
