package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoad_MergesEnvAndSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
client:
  service_url: http://base:8082
  page_timeout: 10s
  realtime:
    driver: websocket
    backoff:
      initial: 500ms
service:
  jwt:
    secret: ${JWT_SECRET}
  db:
    host: db
    port: 5432
`)
	writeFile(t, dir, "staging.yaml", `
client:
  service_url: http://staging:8082
  realtime:
    driver: amqp
`)
	writeFile(t, dir, "secrets.env", "# comment\nJWT_SECRET=\"s3cret\"\n")

	var f File
	if err := Load("staging", dir, &f); err != nil {
		t.Fatalf("Load() err=%v", err)
	}

	if f.Client.ServiceURL != "http://staging:8082" {
		t.Errorf("ServiceURL=%q", f.Client.ServiceURL)
	}
	if f.Client.Realtime.Driver != "amqp" {
		t.Errorf("Realtime.Driver=%q", f.Client.Realtime.Driver)
	}
	// 嵌套 map 合并时保留 base 中未被覆盖的键
	if f.Client.Realtime.Backoff.Initial != 500*time.Millisecond {
		t.Errorf("Backoff.Initial=%v", f.Client.Realtime.Backoff.Initial)
	}
	if f.Client.PageTimeout != 10*time.Second {
		t.Errorf("PageTimeout=%v", f.Client.PageTimeout)
	}
	if f.Service.JWT.Secret != "s3cret" {
		t.Errorf("JWT.Secret=%q", f.Service.JWT.Secret)
	}
	if f.Service.DB.Port != 5432 {
		t.Errorf("DB.Port=%d", f.Service.DB.Port)
	}
}

func TestLoad_PlaceholderFallsBackToProcessEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
service:
  db:
    password: ${DB_PASSWORD}
  jwt:
    secret: ${NOT_SET_ANYWHERE_42}
client:
  service_url: http://${SERVICE_HOST}:8082
`)
	t.Setenv("DB_PASSWORD", "from-env")
	t.Setenv("SERVICE_HOST", "tasks")

	var f File
	if err := Load("", dir, &f); err != nil {
		t.Fatalf("Load() err=%v", err)
	}
	if f.Service.DB.Password != "from-env" {
		t.Errorf("DB.Password=%q", f.Service.DB.Password)
	}
	if f.Client.ServiceURL != "http://tasks:8082" {
		t.Errorf("ServiceURL=%q", f.Client.ServiceURL)
	}
	if f.Service.JWT.Secret != "${NOT_SET_ANYWHERE_42}" {
		t.Errorf("unresolved placeholder should be kept, got %q", f.Service.JWT.Secret)
	}
}

func TestLoad_MissingBase(t *testing.T) {
	var f File
	if err := Load("local", t.TempDir(), &f); err == nil {
		t.Fatal("Load() without base.yaml should fail")
	}
}

func TestApplyDefaultsAndEnv(t *testing.T) {
	var c ClientConfig
	c.ApplyDefaults()
	if c.PerPage != 20 || c.PageTimeout != 10*time.Second || c.Realtime.Driver != "websocket" || c.Cache.Driver != "memory" {
		t.Fatalf("client defaults=%+v", c)
	}

	t.Setenv("TASK_SERVICE_URL", "http://env:1")
	t.Setenv("TASKSYNC_TOKEN", "tok")
	t.Setenv("REDIS_ADDR", "redis:6379")
	OverrideClientFromEnv(&c)
	if c.ServiceURL != "http://env:1" || c.Token != "tok" || c.Redis.Addr != "redis:6379" {
		t.Fatalf("client env override=%+v", c)
	}

	var s ServiceConfig
	s.ApplyDefaults()
	t.Setenv("TASK_STORAGE", "memory")
	t.Setenv("SERVER_PORT", "9000")
	OverrideServiceFromEnv(&s)
	if s.Storage != "memory" || s.Server.Port != "9000" || s.JWT.TTL != 24*time.Hour {
		t.Fatalf("service config=%+v", s)
	}
}
