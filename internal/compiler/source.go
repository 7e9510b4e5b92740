package compiler

import (
	"fmt"

	"github.com/samcharles93/qdqpack/internal/safetensors"
	"github.com/samcharles93/qdqpack/pkg/wtsfile"
)

// OpenWeights opens a weight file and attaches the default quantization table
// of modelVersion, if any. Safetensors checkpoints are recognised by extension;
// their __metadata__ "model_version" applies when modelVersion is empty. The
// caller closes the file.
func OpenWeights(bin, meta, modelVersion string) (*wtsfile.File, error) {
	var (
		f   *wtsfile.File
		err error
	)
	if safetensors.IsSafetensors(bin) {
		var h *safetensors.Header
		f, h, err = safetensors.Open(bin)
		if err == nil && modelVersion == "" {
			modelVersion = h.Meta["model_version"]
		}
	} else {
		f, err = wtsfile.Open(bin, meta)
	}
	if err != nil {
		return nil, fmt.Errorf("compiler: open weights: %w", err)
	}

	defaults, err := wtsfile.LoadDefaultTable(modelVersion)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	f.Defaults = defaults
	return f, nil
}
