package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const envOutDir = "QDQPACK_OUT_DIR"

// resolveOut picks the .qpk path for a compile. An explicit flag wins; otherwise
// the file is named after the weights under $QDQPACK_OUT_DIR or ./out. The
// parent directory is created.
func resolveOut(weights, outFlag string) (string, bool, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		outPath := filepath.Clean(outFlag)
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return "", false, err
		}
		return outPath, false, nil
	}

	base := filepath.Base(filepath.Clean(weights))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", true, fmt.Errorf("invalid weights path: %q", weights)
	}

	outDir := strings.TrimSpace(os.Getenv(envOutDir))
	if outDir == "" {
		outDir = filepath.Join(".", "out")
	}
	outPath := filepath.Join(outDir, base+".qpk")
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", true, err
	}
	return outPath, true, nil
}
