package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INLETMAIL_HOME", t.TempDir())
	t.Setenv("AWS_SES_S3_BUCKET", "ses-inbound")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.APIPort != 8080 {
		t.Errorf("APIPort = %d", cfg.Server.APIPort)
	}
	if cfg.Catchup.Cron != "*/5 * * * *" || cfg.Catchup.MaxKeys != 10 || cfg.Catchup.OnlyLastHours != 24 {
		t.Errorf("catchup defaults = %+v", cfg.Catchup)
	}
	if cfg.ObjectStore.Bucket != "ses-inbound" {
		t.Errorf("Bucket = %q", cfg.ObjectStore.Bucket)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("INLETMAIL_HOME", dir)
	path := filepath.Join(dir, "config.toml")
	content := `
[server]
api_port = 9090
api_key = "secret"

[object_store]
bucket = "inbound"
key_prefix = "mail/"
region = "eu-central-1"

[catchup]
cron = "*/2 * * * *"
max_keys = 25

[alert]
operator_email = "ops@example.com"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.APIPort != 9090 || cfg.Server.APIKey != "secret" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.ObjectStore.KeyPrefix != "mail/" || cfg.ObjectStore.Region != "eu-central-1" {
		t.Errorf("object store = %+v", cfg.ObjectStore)
	}
	if cfg.Catchup.Cron != "*/2 * * * *" || cfg.Catchup.MaxKeys != 25 {
		t.Errorf("catchup = %+v", cfg.Catchup)
	}
	if cfg.Alert.OperatorEmail != "ops@example.com" {
		t.Errorf("operator email = %q", cfg.Alert.OperatorEmail)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("INLETMAIL_HOME", dir)
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[object_store]\nbucket = \"from-file\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AWS_SES_S3_BUCKET", "from-env")
	t.Setenv("S3_CATCHUP_DISABLED", "true")
	t.Setenv("S3_CATCHUP_MAX_KEYS_PER_RUN", "500")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ObjectStore.Bucket != "from-env" {
		t.Errorf("Bucket = %q, want env override", cfg.ObjectStore.Bucket)
	}
	if !cfg.Catchup.Disabled {
		t.Error("Disabled not set from env")
	}
	if cfg.Catchup.MaxKeys != 100 {
		t.Errorf("MaxKeys = %d, want clamped to 100", cfg.Catchup.MaxKeys)
	}
}

func TestValidateRequiresBucket(t *testing.T) {
	t.Setenv("INLETMAIL_HOME", t.TempDir())
	// No bucket, catch-up enabled by default.
	if _, err := Load(""); err == nil {
		t.Error("expected error for missing bucket")
	}

	t.Setenv("S3_CATCHUP_DISABLED", "true")
	if _, err := Load(""); err != nil {
		t.Errorf("disabled catch-up should not require bucket: %v", err)
	}
}
