package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ralt/resolvd/internal/archive"
	"github.com/ralt/resolvd/internal/cache"
	"github.com/ralt/resolvd/internal/models"
)

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--cache-dir", dir, "--config", filepath.Join(dir, "resolvd.yaml")))
	err := root.Execute()
	return out.String(), err
}

func TestSourceAddListRemove(t *testing.T) {
	dir := t.TempDir()
	url := "https://example.com/spiders/x.jar"

	out, err := run(t, dir, "source", "add", url, "--disabled", "--priority", "3", "--name", "demo")
	if err != nil {
		t.Fatalf("source add failed: %v (%s)", err, out)
	}
	key := strings.TrimSpace(out)
	if key != models.KeyFromURL(url) {
		t.Errorf("expected key %s, got %q", models.KeyFromURL(url), key)
	}
	if _, err := os.Stat(filepath.Join(dir, "configs.json")); err != nil {
		t.Errorf("expected configs to be persisted in the cache dir: %v", err)
	}

	out, err = run(t, dir, "source", "list", "-o", "json")
	if err != nil {
		t.Fatalf("source list failed: %v", err)
	}
	var rows []sourceRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("invalid json output %q: %v", out, err)
	}
	if len(rows) != 1 || rows[0].Config.Name != "demo" || rows[0].Config.Priority != 3 || rows[0].Config.Enabled {
		t.Errorf("unexpected rows %+v", rows)
	}

	out, err = run(t, dir, "source", "list")
	if err != nil {
		t.Fatalf("source list failed: %v", err)
	}
	if !strings.Contains(out, "KEY") || !strings.Contains(out, url) {
		t.Errorf("unexpected table output %q", out)
	}

	if _, err := run(t, dir, "source", "remove", url); err != nil {
		t.Fatalf("source remove by url failed: %v", err)
	}
	if _, err := run(t, dir, "source", "remove", key); !models.IsType(err, models.ErrNotFound) {
		t.Errorf("expected NotFound on second remove, got %v", err)
	}
}

func TestSourceAddRejectsBadURL(t *testing.T) {
	_, err := run(t, t.TempDir(), "source", "add", "ftp://example.com/x.jar")
	if !models.IsType(err, models.ErrConfigInvalid) {
		t.Fatalf("expected ConfigInvalid, got %v", err)
	}
}

func TestCacheStatsEmpty(t *testing.T) {
	out, err := run(t, t.TempDir(), "cache", "stats", "-o", "yaml")
	if err != nil {
		t.Fatalf("cache stats failed: %v", err)
	}
	if !strings.Contains(out, "entries: 0") {
		t.Errorf("unexpected yaml output %q", out)
	}
}

func TestExecRequiresKey(t *testing.T) {
	if _, err := run(t, t.TempDir(), "exec", "home"); !models.IsType(err, models.ErrConfigInvalid) {
		t.Errorf("expected ConfigInvalid without a key, got %v", err)
	}
	if _, err := run(t, t.TempDir(), "exec", "dance", "--key", "x"); err == nil {
		t.Error("expected error for unknown operation")
	}
}

func TestScanLocalScript(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "demo.lua")
	if err := os.WriteFile(script, []byte("local M = {}\nfunction M.home() return {} end\nreturn M\n"), 0644); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, dir, "scan", script)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if !strings.Contains(out, "Safe") {
		t.Errorf("expected a Safe verdict, got %q", out)
	}

	evil := filepath.Join(dir, "evil.lua")
	code := `os.execute("a") io.popen("b") io.open("c") package.loadlib("d") loadstring("e") dofile("f") setfenv(1)`
	if err := os.WriteFile(evil, []byte(code), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, dir, "scan", evil); !models.IsType(err, models.ErrValidationFailed) {
		t.Errorf("expected ValidationFailed, got %v", err)
	}
}

func TestPackBuildsReadablePackage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "spider")
	if err := os.MkdirAll(filepath.Join(src, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(src, "Spider.lua"), []byte("local M = {}\nreturn M\n"), 0644)
	os.WriteFile(filepath.Join(src, "manifest.json"), []byte(`{"name":"spider","version":"1.0.0"}`), 0644)
	os.WriteFile(filepath.Join(src, ".git", "HEAD"), []byte("ref"), 0644)

	out, err := run(t, dir, "pack", src, "--format", "tar.gz")
	if err != nil {
		t.Fatalf("pack failed: %v (%s)", err, out)
	}
	path := strings.TrimSpace(out)
	if path != src+".tar.gz" {
		t.Errorf("unexpected output path %q", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("package not written: %v", err)
	}
	format, entries, err := archive.Read(data)
	if err != nil {
		t.Fatalf("archive.Read failed: %v", err)
	}
	if format != archive.FormatTarGz {
		t.Errorf("format = %s, want tar.gz", format)
	}
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name] = true
	}
	if !names["Spider.lua"] || !names["manifest.json"] || names[".git/HEAD"] {
		t.Errorf("unexpected entries %v", names)
	}

	if _, err := run(t, dir, "pack", src, "--format", "rar"); !models.IsType(err, models.ErrConfigInvalid) {
		t.Errorf("expected ConfigInvalid for an unknown format, got %v", err)
	}
}

func TestCacheVerifyDropsDamagedFiles(t *testing.T) {
	dir := t.TempDir()
	c, err := cache.Open(cache.Options{Dir: dir})
	if err != nil {
		t.Fatalf("cache.Open failed: %v", err)
	}
	desc := models.PackageDescriptor{Key: "good", Name: "good", Version: "1.0.0", URL: "https://example.com/good.jar"}
	c.Put("good", []byte("intact"), desc)
	desc.Key = "bad"
	c.Put("bad", []byte("intact"), desc)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	os.WriteFile(c.PathFor("bad"), []byte("broken"), 0644)

	out, err := run(t, dir, "cache", "verify")
	if err != nil {
		t.Fatalf("cache verify failed: %v", err)
	}
	if strings.TrimSpace(out) != "bad" {
		t.Errorf("expected only bad to be dropped, got %q", out)
	}
}
