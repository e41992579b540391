package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func setupIntegrityDir(t *testing.T, dir string) {
	t.Helper()
	writeTestFile(t, filepath.Join(dir, "config.yaml"), "storage:\n  path: ./test.db\n")
	writeTestFile(t, filepath.Join(dir, "policy.yaml"), "plans:\n  free: [sync, heartbeat]\n")
}

func TestVerifyIntegrityAllValid(t *testing.T) {
	tmpDir := t.TempDir()
	setupIntegrityDir(t, tmpDir)

	if err := GenerateChecksums(tmpDir, ScopeFiles); err != nil {
		t.Fatal(err)
	}

	result, err := VerifyIntegrity(tmpDir)
	if err != nil {
		t.Fatal(err)
	}

	if !result.Passed {
		t.Errorf("expected Passed=true, got errors: %v", result.Errors)
	}
	if len(result.Warnings) > 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	tmpDir := t.TempDir()
	setupIntegrityDir(t, tmpDir)

	if err := GenerateChecksums(tmpDir, ScopeFiles); err != nil {
		t.Fatal(err)
	}

	writeTestFile(t, filepath.Join(tmpDir, "policy.yaml"), "plans:\n  free: [deep_scan]\n")

	result, err := VerifyIntegrity(tmpDir)
	if err != nil {
		t.Fatal(err)
	}

	if result.Passed {
		t.Fatal("expected Passed=false for tampered policy file")
	}
	if len(result.Errors) == 0 {
		t.Fatal("expected errors for tampered policy file")
	}
	if !strings.Contains(result.Errors[0], "hash mismatch") {
		t.Errorf("error should mention hash mismatch, got: %s", result.Errors[0])
	}
}

func TestVerifyIntegrityUnlockedFileFails(t *testing.T) {
	tmpDir := t.TempDir()
	writeTestFile(t, filepath.Join(tmpDir, "config.yaml"), "storage:\n  path: ./test.db\n")

	// Lock covers only config.yaml, then policy.yaml appears later.
	if err := GenerateChecksums(tmpDir, ScopeFiles); err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, filepath.Join(tmpDir, "policy.yaml"), "plans:\n  free: [sync]\n")

	result, err := VerifyIntegrity(tmpDir)
	if err != nil {
		t.Fatal(err)
	}

	if result.Passed {
		t.Fatal("expected Passed=false for scope file outside the manifest")
	}
	if !strings.Contains(result.Errors[0], "not in .checksums manifest") {
		t.Errorf("error should mention missing manifest entry, got: %s", result.Errors[0])
	}
}

func TestVerifyIntegrityManifestedFileGone(t *testing.T) {
	tmpDir := t.TempDir()
	setupIntegrityDir(t, tmpDir)

	if err := GenerateChecksums(tmpDir, ScopeFiles); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(tmpDir, "policy.yaml")); err != nil {
		t.Fatal(err)
	}

	result, err := VerifyIntegrity(tmpDir)
	if err != nil {
		t.Fatal(err)
	}

	if result.Passed {
		t.Fatal("expected Passed=false when a locked file disappears")
	}
	if !strings.Contains(result.Errors[0], "missing from disk") {
		t.Errorf("error should mention missing file, got: %s", result.Errors[0])
	}
}

func TestVerifyIntegrityNoManifestWarns(t *testing.T) {
	tmpDir := t.TempDir()
	setupIntegrityDir(t, tmpDir)

	result, err := VerifyIntegrity(tmpDir)
	if err != nil {
		t.Fatal(err)
	}

	if !result.Passed {
		t.Fatal("missing manifest should pass with a warning")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning about missing manifest")
	}
}
