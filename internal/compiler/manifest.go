package compiler

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/samcharles93/qdqpack/pkg/blob"
	"github.com/samcharles93/qdqpack/pkg/qpk"
)

// Manifest describes a compiled output.
type Manifest struct {
	ModelVersion     string     `json:"model_version,omitempty"`
	LayoutVersion    int        `json:"layout_version"`
	WeightRegionSize int        `json:"weight_region_size"`
	RTPRegionSize    int        `json:"rtp_region_size"`
	Ops              []OpRecord `json:"ops"`
}

// OpRecord is one placed operator.
type OpRecord struct {
	Name        string         `json:"name"`
	Kind        string         `json:"kind"`
	Layer       int            `json:"layer"`
	Placement   blob.Placement `json:"placement"`
	BlobSize    int            `json:"blob_size"`
	SwappedWith string         `json:"swapped_with,omitempty"`
	Coeffs      any            `json:"coefficients,omitempty"`
}

// WriteQPK stores the result as a QPK container.
func (r *Result) WriteQPK(path string) error {
	manifest, err := json.Marshal(r.Manifest)
	if err != nil {
		return fmt.Errorf("compiler: encode manifest: %w", err)
	}
	sections := map[qpk.SectionType][]byte{
		qpk.SectionWeights:  r.Weights,
		qpk.SectionManifest: manifest,
	}
	var flags uint64
	if r.RTP != nil {
		sections[qpk.SectionRTP] = r.RTP
		flags |= qpk.FlagRTPSplit
	}
	return qpk.WriteFile(path, flags, sections)
}

// ReadManifest decodes the manifest section of an opened QPK file.
func ReadManifest(f *qpk.File) (*Manifest, error) {
	raw := f.SectionData(qpk.SectionManifest)
	if raw == nil {
		return nil, errors.New("compiler: qpk has no manifest")
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("compiler: decode manifest: %w", err)
	}
	return &m, nil
}
