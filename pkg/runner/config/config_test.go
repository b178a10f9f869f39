package config

import (
	"testing"
	"time"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("addr=%q", cfg.Addr)
	}
	if cfg.Forwarder != ForwardInproc {
		t.Fatalf("forwarder=%q", cfg.Forwarder)
	}
	if cfg.DefaultMode != ModeOneShot {
		t.Fatalf("mode=%q", cfg.DefaultMode)
	}
	if !cfg.ToolRequireGreeting {
		t.Fatal("greeting gate should default on")
	}
	if cfg.EmptyInitialIdle != 300*time.Second {
		t.Fatalf("initial idle=%v", cfg.EmptyInitialIdle)
	}
	if cfg.PublicURL != "http://localhost:8080" {
		t.Fatalf("public url=%q", cfg.PublicURL)
	}
}

func TestLoadFromEnv_FractionalSeconds(t *testing.T) {
	t.Setenv("BOT_EMPTY_POST_LEAVE_SECS", "0.05")
	t.Setenv("BOT_BEAT_USER_IDLE_SECS", "1.5")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.EmptyPostLeaveIdle != 50*time.Millisecond {
		t.Fatalf("post-leave idle=%v", cfg.EmptyPostLeaveIdle)
	}
	if cfg.Gates.UserIdle != 1500*time.Millisecond {
		t.Fatalf("user idle=%v", cfg.Gates.UserIdle)
	}
}

func TestLoadFromEnv_MalformedValuesKeepDefaults(t *testing.T) {
	t.Setenv("BOT_EMPTY_INITIAL_SECS", "soon")
	t.Setenv("USE_REDIS", "maybe")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.EmptyInitialIdle != 300*time.Second {
		t.Fatalf("initial idle=%v", cfg.EmptyInitialIdle)
	}
	if cfg.UseRedis {
		t.Fatal("malformed USE_REDIS should stay false")
	}
}

func TestValidate_RedisWithoutURL(t *testing.T) {
	t.Setenv("USE_REDIS", "true")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for USE_REDIS without REDIS_URL")
	}
}

func TestValidate_RESTForwarderNeedsMesh(t *testing.T) {
	t.Setenv("BOT_EVENT_FORWARDER", "html")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for html forwarder without MESH_API_ENDPOINT")
	}

	t.Setenv("MESH_API_ENDPOINT", "https://mesh.internal")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if !cfg.ForwardREST() {
		t.Fatal("ForwardREST should be true")
	}
}

func TestCORSAndFeatures(t *testing.T) {
	t.Setenv("VAI_ROOMS_CORS_ORIGINS", "https://app.example.com, https://staging.example.com")
	t.Setenv("BOT_SUPPORTED_FEATURES", "notes,applets")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("origins=%v", cfg.CORSAllowedOrigins)
	}
	if _, ok := cfg.CORSAllowedOrigins["https://staging.example.com"]; !ok {
		t.Fatal("staging origin missing")
	}
	if len(cfg.SupportedFeatures) != 2 || cfg.SupportedFeatures[1] != "applets" {
		t.Fatalf("features=%v", cfg.SupportedFeatures)
	}
}
