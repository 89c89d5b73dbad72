package binding

import "testing"

func TestConfigUnmarshalEnvDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ConnectionIDLength != 10 {
		t.Fatalf("expected default ConnectionIDLength 10, got %d", cfg.ConnectionIDLength)
	}
	if !cfg.ShareBinding {
		t.Fatal("expected default ShareBinding true")
	}
	if cfg.StatelessOpExpiration.String() != "200ms" {
		t.Fatalf("expected default StatelessOpExpiration 200ms, got %v", cfg.StatelessOpExpiration)
	}
}

func TestConfigUnmarshalEnvOverride(t *testing.T) {
	var cfg Config
	err := cfg.UnmarshalEnv([]string{
		"MSQUIC_SHARE_BINDING=false",
		"MSQUIC_CONNECTION_ID_LENGTH=12",
		"MSQUIC_RETRY_MEMORY_LIMIT=30",
	})
	if err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if cfg.ShareBinding {
		t.Fatal("expected ShareBinding overridden to false")
	}
	if cfg.ConnectionIDLength != 12 {
		t.Fatalf("expected ConnectionIDLength 12, got %d", cfg.ConnectionIDLength)
	}
	if cfg.RetryMemoryLimit != 30 {
		t.Fatalf("expected RetryMemoryLimit 30, got %d", cfg.RetryMemoryLimit)
	}
}

func TestConfigUnmarshalEnvRejectsBadInt(t *testing.T) {
	var cfg Config
	if err := cfg.UnmarshalEnv([]string{"MSQUIC_CONNECTION_ID_LENGTH=notanumber"}); err == nil {
		t.Fatal("expected an error for a non-numeric int field")
	}
}
