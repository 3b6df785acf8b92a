package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	if stdin != "" {
		cmd.SetIn(strings.NewReader(stdin))
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "steno.yaml")
	content := "runtime:\n  family: dev\n  host: test\nstore:\n  sqlite_path: " +
		filepath.Join(dir, "steno.db") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := runCommand(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "steno dev") {
		t.Errorf("output = %q", out)
	}
}

func TestRootRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"version", "serve", "db", "done", "reconcile", "watchdog"}
	for _, name := range want {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestDBInitMigratesStore(t *testing.T) {
	cfg := writeTestConfig(t)
	out, err := runCommand(t, "", "db", "init", "--config", cfg)
	if err != nil {
		t.Fatalf("db init: %v", err)
	}
	if !strings.Contains(out, "Migrated") {
		t.Errorf("output = %q", out)
	}
}

func TestDBResetAbortsWithoutConfirmation(t *testing.T) {
	cfg := writeTestConfig(t)
	if _, err := runCommand(t, "", "db", "init", "--config", cfg); err != nil {
		t.Fatalf("db init: %v", err)
	}

	out, err := runCommand(t, "no\n", "db", "reset", "--config", cfg)
	if err != nil {
		t.Fatalf("db reset: %v", err)
	}
	if !strings.Contains(out, "Aborted") {
		t.Errorf("output = %q", out)
	}
}

func TestDBResetWithYesFlag(t *testing.T) {
	cfg := writeTestConfig(t)
	if _, err := runCommand(t, "", "db", "init", "--config", cfg); err != nil {
		t.Fatalf("db init: %v", err)
	}

	out, err := runCommand(t, "", "db", "reset", "--config", cfg, "--yes")
	if err != nil {
		t.Fatalf("db reset: %v", err)
	}
	if !strings.Contains(out, "Store reset") {
		t.Errorf("output = %q", out)
	}
}

func TestDoneUnknownSession(t *testing.T) {
	cfg := writeTestConfig(t)
	if _, err := runCommand(t, "", "db", "init", "--config", cfg); err != nil {
		t.Fatalf("db init: %v", err)
	}

	_, err := runCommand(t, "", "done", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "--config", cfg)
	if err == nil {
		t.Errorf("completing an unknown session must fail")
	}
}

func TestReconcileOneShot(t *testing.T) {
	cfg := writeTestConfig(t)
	if _, err := runCommand(t, "", "db", "init", "--config", cfg); err != nil {
		t.Fatalf("db init: %v", err)
	}

	out, err := runCommand(t, "", "reconcile", "--config", cfg)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !strings.Contains(out, "Finalized 0 sessions") {
		t.Errorf("output = %q", out)
	}
}

func TestWatchdogRequiresServices(t *testing.T) {
	cfg := writeTestConfig(t)
	if _, err := runCommand(t, "", "watchdog", "--config", cfg); err == nil {
		t.Errorf("watchdog without services must fail")
	}
}
