package compiler

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/qdqpack/pkg/layout"
	"github.com/samcharles93/qdqpack/pkg/requant"
)

// ErrInvalidPlan reports a plan that cannot be compiled as written.
var ErrInvalidPlan = errors.New("compiler: invalid plan")

// Plan lists the operators to pack and where their blobs go.
type Plan struct {
	ModelVersion     string         `yaml:"model_version" json:"model_version"`
	LayoutVersion    layout.Version `yaml:"layout_version" json:"layout_version"`
	WeightRegionSize int            `yaml:"weight_region_size" json:"weight_region_size"`
	RTPRegionSize    int            `yaml:"rtp_region_size" json:"rtp_region_size"`
	Ops              []OpSpec       `yaml:"ops" json:"ops"`
}

// OpSpec is one operator of a plan. Operand fields name constants in the weight
// source; which ones are used depends on Kind:
//
//	matmul, matmul_bias, conv: IFM, Weight, Bias (matmul_bias, optional for conv), OFM
//	bmm, add:                  IFM, IFM2, OFM
//	mul:                       IFM, Weight (the constant operand), OFM
//	layernorm:                 IFM, Weight (gamma), Bias (beta), OFM
//	softmax:                   IFM, OFM
type OpSpec struct {
	Name  string `yaml:"name" json:"name"`
	Kind  string `yaml:"kind" json:"kind"`
	Layer int    `yaml:"layer" json:"layer"`

	IFM    string `yaml:"ifm" json:"ifm"`
	IFM2   string `yaml:"ifm2,omitempty" json:"ifm2,omitempty"`
	Weight string `yaml:"weight,omitempty" json:"weight,omitempty"`
	Bias   string `yaml:"bias,omitempty" json:"bias,omitempty"`
	OFM    string `yaml:"ofm" json:"ofm"`

	M          int                  `yaml:"m,omitempty" json:"m,omitempty"`
	K          int                  `yaml:"k,omitempty" json:"k,omitempty"`
	N          int                  `yaml:"n,omitempty" json:"n,omitempty"`
	WeightBits int                  `yaml:"weight_bits,omitempty" json:"weight_bits,omitempty"`
	SV         layout.SubVolume     `yaml:"sv,omitempty" json:"sv,omitempty"`
	Conv       *layout.ConvGeometry `yaml:"conv,omitempty" json:"conv,omitempty"`

	Elems         int `yaml:"elems,omitempty" json:"elems,omitempty"`
	PhysicalElems int `yaml:"physical_elems,omitempty" json:"physical_elems,omitempty"`

	// WeightOffset places the blob; nil or -1 appends after the previous one.
	WeightOffset *int `yaml:"weight_offset,omitempty" json:"weight_offset,omitempty"`
	// RTPOffset, when set, moves the RTP header into the RTP region.
	RTPOffset *int `yaml:"rtp_offset,omitempty" json:"rtp_offset,omitempty"`
	// SwapRTPWith names an operator whose header must be exchanged with this
	// one once both are written.
	SwapRTPWith string `yaml:"swap_rtp_with,omitempty" json:"swap_rtp_with,omitempty"`

	kind requant.Kind
}

func (op *OpSpec) appends() bool {
	return op.WeightOffset == nil || *op.WeightOffset < 0
}

// ParsePlan decodes a JSON or YAML plan and validates it.
func ParsePlan(raw []byte) (*Plan, error) {
	var p Plan
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
	} else if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate resolves operator kinds and checks cross-references.
func (p *Plan) Validate() error {
	if len(p.Ops) == 0 {
		return fmt.Errorf("%w: no operators", ErrInvalidPlan)
	}
	if p.LayoutVersion != 0 && !p.LayoutVersion.Valid() {
		return fmt.Errorf("%w: unknown layout version %d", ErrInvalidPlan, p.LayoutVersion)
	}
	if p.WeightRegionSize < 0 || p.RTPRegionSize < 0 {
		return fmt.Errorf("%w: negative region size", ErrInvalidPlan)
	}

	byName := make(map[string]*OpSpec, len(p.Ops))
	for i := range p.Ops {
		op := &p.Ops[i]
		if op.Name == "" {
			return fmt.Errorf("%w: operator %d has no name", ErrInvalidPlan, i)
		}
		if _, dup := byName[op.Name]; dup {
			return fmt.Errorf("%w: duplicate operator %q", ErrInvalidPlan, op.Name)
		}
		byName[op.Name] = op

		k, err := requant.ParseKind(op.Kind)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPlan, op.Name, err)
		}
		op.kind = k
		if op.Layer < 0 {
			return fmt.Errorf("%w: %s: negative layer", ErrInvalidPlan, op.Name)
		}
		if op.IFM == "" || op.OFM == "" {
			return fmt.Errorf("%w: %s: ifm and ofm are required", ErrInvalidPlan, op.Name)
		}
		if err := op.validateOperands(); err != nil {
			return err
		}
		if op.RTPOffset != nil && *op.RTPOffset < 0 {
			return fmt.Errorf("%w: %s: negative rtp offset", ErrInvalidPlan, op.Name)
		}
	}

	for i := range p.Ops {
		op := &p.Ops[i]
		if op.SwapRTPWith == "" {
			continue
		}
		other, ok := byName[op.SwapRTPWith]
		if !ok || other == op {
			return fmt.Errorf("%w: %s: swap target %q not found", ErrInvalidPlan, op.Name, op.SwapRTPWith)
		}
		if (op.RTPOffset == nil) != (other.RTPOffset == nil) {
			return fmt.Errorf("%w: %s and %s must both keep or both split their RTP headers",
				ErrInvalidPlan, op.Name, other.Name)
		}
	}
	return nil
}

func (op *OpSpec) validateOperands() error {
	need := func(field, value string) error {
		if value == "" {
			return fmt.Errorf("%w: %s: %s is required for %s", ErrInvalidPlan, op.Name, field, op.Kind)
		}
		return nil
	}
	switch op.kind {
	case requant.KindMatMul, requant.KindMatMulBias:
		if err := need("weight", op.Weight); err != nil {
			return err
		}
		if op.kind == requant.KindMatMulBias {
			if err := need("bias", op.Bias); err != nil {
				return err
			}
		}
		if op.SV.K <= 0 || op.SV.N <= 0 {
			return fmt.Errorf("%w: %s: sub-volume %+v", ErrInvalidPlan, op.Name, op.SV)
		}
	case requant.KindConv:
		if err := need("weight", op.Weight); err != nil {
			return err
		}
		if op.Conv == nil {
			return fmt.Errorf("%w: %s: conv geometry is required", ErrInvalidPlan, op.Name)
		}
	case requant.KindBatchedMatMul, requant.KindAdd:
		if err := need("ifm2", op.IFM2); err != nil {
			return err
		}
		if op.kind == requant.KindBatchedMatMul && op.K <= 0 {
			return fmt.Errorf("%w: %s: bmm needs k", ErrInvalidPlan, op.Name)
		}
	case requant.KindMul:
		return need("weight", op.Weight)
	case requant.KindLayerNorm:
		if err := need("weight", op.Weight); err != nil {
			return err
		}
		return need("bias", op.Bias)
	case requant.KindSoftmax:
		if op.M <= 0 || op.K <= 0 {
			return fmt.Errorf("%w: %s: softmax needs m and k", ErrInvalidPlan, op.Name)
		}
	}
	return nil
}
