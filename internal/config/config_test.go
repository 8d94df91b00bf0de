package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{"default mode is gateway", func(c *Config) bool { return c.Mode == "gateway" }, "gateway"},
		{"default host is 0.0.0.0", func(c *Config) bool { return c.Host == "0.0.0.0" }, "0.0.0.0"},
		{"default port is 8080", func(c *Config) bool { return c.Port == 8080 }, "8080"},
		{"default log level is info", func(c *Config) bool { return c.LogLevel == "info" }, "info"},
		{"default log format is json", func(c *Config) bool { return c.LogFormat == "json" }, "json"},
		{"access token ttl default 60", func(c *Config) bool { return c.AccessTokenTTLMin == 60 }, "60"},
		{"refresh token ttl default 7", func(c *Config) bool { return c.RefreshTokenTTLDays == 7 }, "7"},
		{"max sessions default 5", func(c *Config) bool { return c.MaxSessionsPerPrincipal == 5 }, "5"},
		{"policy engine timeout default 2000", func(c *Config) bool { return c.PolicyEngineTimeoutMs == 2000 }, "2000"},
		{"circuit failure threshold default 5", func(c *Config) bool { return c.CircuitFailureThreshold == 5 }, "5"},
		{"circuit recovery timeout default 60", func(c *Config) bool { return c.CircuitRecoveryTimeoutS == 60 }, "60"},
		{"siem batch size default 100", func(c *Config) bool { return c.SIEMBatchSize == 100 }, "100"},
		{"listen addr format", func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" }, "0.0.0.0:8080"},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}
