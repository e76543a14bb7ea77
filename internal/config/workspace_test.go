package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// writeWorkspace creates root/.ubrowser/config.yaml with the given body.
func writeWorkspace(t *testing.T, root, body string) {
	t.Helper()
	wsDir := filepath.Join(root, WorkspaceDirName)
	if err := os.MkdirAll(wsDir, 0755); err != nil {
		t.Fatalf("failed to create workspace dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wsDir, WorkspaceConfigFile), []byte(body), 0644); err != nil {
		t.Fatalf("failed to write workspace config: %v", err)
	}
}

func TestDiscoverWorkspace(t *testing.T) {
	t.Run("found in start dir", func(t *testing.T) {
		root := t.TempDir()
		writeWorkspace(t, root, "server:\n  name: test\n")

		got, err := DiscoverWorkspace(root)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != root {
			t.Errorf("expected %q, got %q", root, got)
		}
	})

	t.Run("walks up", func(t *testing.T) {
		root := t.TempDir()
		writeWorkspace(t, root, "server:\n  name: test\n")
		nested := filepath.Join(root, "pages", "checkout")
		if err := os.MkdirAll(nested, 0755); err != nil {
			t.Fatalf("failed to create nested dirs: %v", err)
		}

		got, err := DiscoverWorkspace(nested)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != root {
			t.Errorf("expected %q, got %q", root, got)
		}
	})

	t.Run("not found", func(t *testing.T) {
		got, err := DiscoverWorkspace(t.TempDir())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "" {
			t.Errorf("expected empty string, got %q", got)
		}
	})

	t.Run("beyond max depth", func(t *testing.T) {
		root := t.TempDir()
		writeWorkspace(t, root, "server:\n  name: test\n")

		parts := []string{root}
		for i := 0; i <= MaxSearchDepth; i++ {
			parts = append(parts, "d")
		}
		deep := filepath.Join(parts...)
		if err := os.MkdirAll(deep, 0755); err != nil {
			t.Fatalf("failed to create deep path: %v", err)
		}

		got, err := DiscoverWorkspace(deep)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "" {
			t.Errorf("expected empty string beyond max depth, got %q", got)
		}
	})
}

func TestLoadWithWorkspace_DefaultsOnly(t *testing.T) {
	cfg, wsDir, err := LoadWithWorkspace("", WorkspaceOptions{Disable: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wsDir != "" {
		t.Errorf("expected empty workspace dir, got %q", wsDir)
	}
	if cfg.Server.Name != "ubrowser-mcp" {
		t.Errorf("expected default server name, got %q", cfg.Server.Name)
	}
}

func TestLoadWithWorkspace_Layers(t *testing.T) {
	root := t.TempDir()
	writeWorkspace(t, root, `
browser:
  viewport_width: 800
  stealth: true
snapshot:
  max_elements: 60
recorder:
  enable: true
`)

	explicitPath := filepath.Join(root, "explicit.yaml")
	if err := os.WriteFile(explicitPath, []byte("snapshot:\n  max_elements: 30\n"), 0644); err != nil {
		t.Fatalf("failed to write explicit config: %v", err)
	}

	cfg, gotDir, err := LoadWithWorkspace(explicitPath, WorkspaceOptions{ExplicitDir: root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotDir != root {
		t.Errorf("expected workspace dir %q, got %q", root, gotDir)
	}
	if cfg.Browser.ViewportWidth != 800 {
		t.Errorf("expected workspace viewport width 800, got %d", cfg.Browser.ViewportWidth)
	}
	if cfg.Browser.ViewportHeight != 720 {
		t.Errorf("expected default viewport height 720, got %d", cfg.Browser.ViewportHeight)
	}
	if !cfg.Browser.Stealth {
		t.Error("expected stealth from workspace config")
	}
	if cfg.Snapshot.MaxElements != 30 {
		t.Errorf("expected explicit config to win with 30, got %d", cfg.Snapshot.MaxElements)
	}
	// Relative paths in the workspace layer are anchored at the workspace root.
	if cfg.Recorder.TraceDir != filepath.Join(root, "data", "traces") {
		t.Errorf("expected trace dir under workspace, got %q", cfg.Recorder.TraceDir)
	}

	t.Setenv(MaxElementsEnv, "12")
	cfg, _, err = LoadWithWorkspace(explicitPath, WorkspaceOptions{ExplicitDir: root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Snapshot.MaxElements != 12 {
		t.Errorf("expected env override 12, got %d", cfg.Snapshot.MaxElements)
	}
}

func TestLoadWithWorkspace_Disabled(t *testing.T) {
	root := t.TempDir()
	writeWorkspace(t, root, "recorder:\n  enable: true\n")

	cfg, gotDir, err := LoadWithWorkspace("", WorkspaceOptions{Disable: true, ExplicitDir: root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotDir != "" {
		t.Errorf("expected empty workspace dir with Disable, got %q", gotDir)
	}
	if cfg.Recorder.Enable {
		t.Error("expected Recorder.Enable to stay false when workspace disabled")
	}
}

func TestResolveWorkspacePaths(t *testing.T) {
	wsDir := t.TempDir()

	cfg := Config{
		Server:   ServerConfig{LogFile: "ubrowser-mcp.log"},
		Browser:  BrowserConfig{PageStore: "pages.json"},
		Recorder: RecorderConfig{TraceDir: filepath.Join("data", "traces")},
	}
	resolved := resolveWorkspacePaths(cfg, wsDir)

	if want := filepath.Join(wsDir, "ubrowser-mcp.log"); resolved.Server.LogFile != want {
		t.Errorf("expected log file %q, got %q", want, resolved.Server.LogFile)
	}
	if want := filepath.Join(wsDir, "pages.json"); resolved.Browser.PageStore != want {
		t.Errorf("expected page store %q, got %q", want, resolved.Browser.PageStore)
	}

	absStore := "/tmp/pages.json"
	if runtime.GOOS == "windows" {
		absStore = `C:\tmp\pages.json`
	}
	cfg.Browser.PageStore = absStore
	if got := resolveWorkspacePaths(cfg, wsDir).Browser.PageStore; got != absStore {
		t.Errorf("expected absolute page store untouched %q, got %q", absStore, got)
	}
}

func TestInitWorkspace(t *testing.T) {
	root := t.TempDir()

	if err := InitWorkspace(root); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wsDir := filepath.Join(root, WorkspaceDirName)
	for _, p := range []string{wsDir, filepath.Join(wsDir, "data")} {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			t.Errorf("expected directory %q: %v", p, err)
		}
	}
	for _, f := range []string{WorkspaceConfigFile, ".gitignore"} {
		data, err := os.ReadFile(filepath.Join(wsDir, f))
		if err != nil {
			t.Fatalf("failed to read %s: %v", f, err)
		}
		if len(data) == 0 {
			t.Errorf("expected non-empty %s", f)
		}
	}

	if err := InitWorkspace(root); err == nil {
		t.Error("expected error when workspace already exists")
	}
}
