package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, ".env")
	content := "" +
		"# comment\n" +
		"FROM_FILE=loaded\n" +
		"QUOTED=\"hello world\"\n" +
		"export EXPORTED=ok\n" +
		"EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("EXISTING", "already_set")

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("FROM_FILE"); got != "loaded" {
		t.Fatalf("FROM_FILE=%q, want %q", got, "loaded")
	}
	if got := os.Getenv("QUOTED"); got != "hello world" {
		t.Fatalf("QUOTED=%q, want %q", got, "hello world")
	}
	if got := os.Getenv("EXPORTED"); got != "ok" {
		t.Fatalf("EXPORTED=%q, want %q", got, "ok")
	}
	if got := os.Getenv("EXISTING"); got != "already_set" {
		t.Fatalf("EXISTING=%q, want existing value preserved", got)
	}
}

func TestLoadFile_MalformedFileErrors(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("PROCTOR_X=\"unterminated\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	if err := LoadFile(envPath); err == nil {
		t.Fatal("expected error for unterminated quote")
	}
}

func TestLoadFile_EarlierFileWins(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.env")
	second := filepath.Join(dir, "second.env")
	if err := os.WriteFile(first, []byte("PROCTOR_DOTENV_A=first\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(second, []byte("PROCTOR_DOTENV_A=second\nPROCTOR_DOTENV_B=second\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PROCTOR_DOTENV_A", "")
	os.Unsetenv("PROCTOR_DOTENV_A")
	t.Setenv("PROCTOR_DOTENV_B", "")
	os.Unsetenv("PROCTOR_DOTENV_B")

	if err := LoadFile("", first, filepath.Join(dir, "missing.env"), second); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got := os.Getenv("PROCTOR_DOTENV_A"); got != "first" {
		t.Fatalf("A=%q", got)
	}
	if got := os.Getenv("PROCTOR_DOTENV_B"); got != "second" {
		t.Fatalf("B=%q", got)
	}
}
