package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveOut(t *testing.T) {
	t.Run("explicit output wins", func(t *testing.T) {
		outPath := filepath.Join(t.TempDir(), "nested", "bert.qpk")

		got, defaulted, err := resolveOut("/models/bert.bin", outPath)
		if err != nil {
			t.Fatalf("resolveOut returned error: %v", err)
		}
		if defaulted {
			t.Fatalf("expected explicit output to not be defaulted")
		}
		if got != filepath.Clean(outPath) {
			t.Fatalf("unexpected output path: got %q want %q", got, filepath.Clean(outPath))
		}
		if _, err := os.Stat(filepath.Dir(got)); err != nil {
			t.Fatalf("expected output directory to exist: %v", err)
		}
	})

	t.Run("env output dir overrides default", func(t *testing.T) {
		envDir := filepath.Join(t.TempDir(), "packed")
		t.Setenv(envOutDir, envDir)

		got, defaulted, err := resolveOut(filepath.Join(t.TempDir(), "bert-int8.bin"), "")
		if err != nil {
			t.Fatalf("resolveOut returned error: %v", err)
		}
		if !defaulted {
			t.Fatalf("expected output to be defaulted")
		}
		want := filepath.Join(envDir, "bert-int8.qpk")
		if got != want {
			t.Fatalf("unexpected output path: got %q want %q", got, want)
		}
	})

	t.Run("default output dir is ./out", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv(envOutDir, "")

		got, defaulted, err := resolveOut("weights", "")
		if err != nil {
			t.Fatalf("resolveOut returned error: %v", err)
		}
		if !defaulted {
			t.Fatalf("expected output to be defaulted")
		}
		want := filepath.Join(".", "out", "weights.qpk")
		if got != want {
			t.Fatalf("unexpected output path: got %q want %q", got, want)
		}
	})

	t.Run("root path is rejected", func(t *testing.T) {
		t.Setenv(envOutDir, t.TempDir())
		if _, _, err := resolveOut("/", ""); err == nil {
			t.Fatal("expected error for a weights path without a file name")
		}
	})
}
