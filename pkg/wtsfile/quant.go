package wtsfile

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/qdqpack/pkg/requant"
)

const (
	scaleSuffix     = "_scale"
	zeroPointSuffix = "_zero_point"
)

//go:embed defaults/*.yaml
var defaultsFS embed.FS

// DefaultTable holds fallback quantization parameters for operands whose scale
// and zero point are not stored as constants.
type DefaultTable map[string]requant.QuantParams

type defaultsDoc struct {
	ModelVersion string                         `yaml:"model_version"`
	Operands     map[string]requant.QuantParams `yaml:"operands"`
}

// ParseDefaultTable decodes a YAML defaults document.
func ParseDefaultTable(raw []byte) (DefaultTable, string, error) {
	var doc defaultsDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, "", fmt.Errorf("%w: defaults: %v", ErrConfiguration, err)
	}
	for name, q := range doc.Operands {
		if q.Scale <= 0 {
			return nil, "", fmt.Errorf("%w: defaults: %s has scale %v", ErrConfiguration, name, q.Scale)
		}
	}
	return DefaultTable(doc.Operands), doc.ModelVersion, nil
}

// LoadDefaultTable returns the built-in table for a model version.
func LoadDefaultTable(version string) (DefaultTable, error) {
	if version == "" {
		return DefaultTable{}, nil
	}
	if strings.ContainsAny(version, "/\\.") {
		return nil, fmt.Errorf("%w: invalid model version %q", ErrConfiguration, version)
	}
	raw, err := defaultsFS.ReadFile("defaults/" + version + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("%w: no default table for model version %q", ErrConfiguration, version)
	}
	t, _, err := ParseDefaultTable(raw)
	return t, err
}

// DefaultVersions lists the embedded model versions.
func DefaultVersions() []string {
	entries, err := defaultsFS.ReadDir("defaults")
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return out
}

// QuantParams resolves the scale and zero point of operand name from the
// <name>_scale and <name>_zero_point constants, falling back to f.Defaults.
func (f *File) QuantParams(name string) (requant.QuantParams, error) {
	sn, zn := name+scaleSuffix, name+zeroPointSuffix
	if f.Has(sn) && f.Has(zn) {
		scale, err := f.scalar(sn)
		if err != nil {
			return requant.QuantParams{}, err
		}
		zp, err := f.scalar(zn)
		if err != nil {
			return requant.QuantParams{}, err
		}
		if scale <= 0 {
			return requant.QuantParams{}, fmt.Errorf("%w: %s is %v", ErrConfiguration, sn, scale)
		}
		return requant.QuantParams{Scale: scale, ZeroPoint: int64(zp)}, nil
	}
	if q, ok := f.Defaults[name]; ok {
		return q, nil
	}
	return requant.QuantParams{}, fmt.Errorf("%w: no quantization parameters for %q", ErrConfiguration, name)
}

func (f *File) scalar(name string) (float64, error) {
	raw, e, err := f.Read(name)
	if err != nil {
		return 0, err
	}
	vs, err := e.DType.Floats(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if len(vs) != 1 {
		return 0, fmt.Errorf("%w: %s has %d elements, want a scalar", ErrConfiguration, name, len(vs))
	}
	return vs[0], nil
}

// Operand is a quantized constant with its quantization parameters. Data is
// borrowed from the file.
type Operand struct {
	Name  string
	Data  []byte
	DType DType
	Shape []int
	Quant requant.QuantParams
}

// Operand reads name and its quantization parameters.
func (f *File) Operand(name string) (*Operand, error) {
	raw, e, err := f.Read(name)
	if err != nil {
		return nil, err
	}
	q, err := f.QuantParams(name)
	if err != nil {
		return nil, err
	}
	return &Operand{Name: name, Data: raw, DType: e.DType, Shape: e.Shape, Quant: q}, nil
}

// Ints decodes the operand values.
func (o *Operand) Ints() ([]int64, error) {
	return o.DType.Ints(o.Data)
}

// Elems is the number of elements.
func (o *Operand) Elems() int {
	return len(o.Data) / o.DType.Size()
}
