package config

import "testing"

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MC_DB_HOST", "db.internal")
	t.Setenv("MC_DB_PORT", "3307")
	t.Setenv("MC_DB_DATABASE", "gamedb")

	c := &Config{}
	c.DB.Host = "localhost"
	c.DB.Port = 3306

	if err := c.ApplyEnvOverrides("MC"); err != nil {
		t.Fatalf("ApplyEnvOverrides: %v", err)
	}
	if c.DB.Host != "db.internal" {
		t.Fatalf("Host = %q, want db.internal", c.DB.Host)
	}
	if c.DB.Port != 3307 {
		t.Fatalf("Port = %d, want 3307", c.DB.Port)
	}
	if c.DB.Database != "gamedb" {
		t.Fatalf("Database = %q, want gamedb", c.DB.Database)
	}
}

func TestApplyEnvOverridesRejectsEmptyPrefix(t *testing.T) {
	c := &Config{}
	if err := c.ApplyEnvOverrides(""); err == nil {
		t.Fatalf("expected error for empty prefix")
	}
}

func TestApplyEnvOverridesBadPort(t *testing.T) {
	t.Setenv("MC_DB_PORT", "not-a-number")
	c := &Config{}
	if err := c.ApplyEnvOverrides("MC"); err == nil {
		t.Fatalf("expected error for non-numeric port")
	}
}

func TestValidLockName(t *testing.T) {
	cases := map[string]bool{
		"mincore:backup":       true,
		"a-b_c.d":              true,
		"":                     false,
		"has spaces":           false,
		"semi;colon":           false,
	}
	for name, want := range cases {
		if got := ValidLockName(name); got != want {
			t.Errorf("ValidLockName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestSecurityWarningsTLSAndCreds(t *testing.T) {
	c := &Config{}
	c.DB.Host = "db.prod.example.com"
	c.DB.TLS.Enabled = false
	c.DB.User = "root"
	c.DB.Password = "root"

	warnings := c.SecurityWarnings()
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %d: %v", len(warnings), warnings)
	}
}

func TestSecurityWarningsLoopbackIsQuiet(t *testing.T) {
	c := &Config{}
	c.DB.Host = "127.0.0.1"
	c.DB.TLS.Enabled = false
	c.DB.User = "gameserver"
	c.DB.Password = "s3cret"

	if warnings := c.SecurityWarnings(); len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
}

func TestValidateRejectsBadPool(t *testing.T) {
	c := &Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for zero maxPoolSize")
	}
	c.DB.Pool.MaxPoolSize = 10
	c.DB.Pool.MinimumIdle = 20
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for minimumIdle > maxPoolSize")
	}
}
