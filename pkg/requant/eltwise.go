package requant

import (
	"fmt"
	"math"

	"github.com/samcharles93/qdqpack/pkg/fixedpoint"
	"github.com/samcharles93/qdqpack/pkg/layout"
)

// addShiftBase places every Add coefficient in [2^29, 2^30].
const addShiftBase = 30

// addZeroPointLift bounds how far the zero-point term may raise OFMShift above
// the operand shifts. A signed zero point that rounds to 0 at that resolution
// is dropped.
const addZeroPointLift = 16

// AddCoeffs requantizes y = ifm1 + ifm2 in one multiply-accumulate per input.
//
// IFM1Shift, IFM2Shift and ZeroPointShift are the extra left shifts the engine
// applies to each product so that all three terms share OFMShift.
type AddCoeffs struct {
	IFM1Coeff      int32 `json:"ifm1_coeff"`
	IFM2Coeff      int32 `json:"ifm2_coeff"`
	ZeroPointCoeff int32 `json:"zero_point_coeff"`
	OFMShift       int   `json:"ofm_shift"`
	IFM1Shift      int   `json:"ifm1_shift"`
	IFM2Shift      int   `json:"ifm2_shift"`
	ZeroPointShift int   `json:"zero_point_shift"`
}

// AddRequest holds the three operand quantizations of an elementwise add.
type AddRequest struct {
	IFM1 QuantParams
	IFM2 QuantParams
	OFM  QuantParams
}

func addShift(r float64) (int, error) {
	if math.IsNaN(r) || math.IsInf(r, 0) || r <= 0 {
		return 0, fmt.Errorf("%w: add ratio %v", fixedpoint.ErrDegenerateScale, r)
	}
	return int(math.Floor(-math.Log2(r) + addShiftBase)), nil
}

// Add derives the elementwise add coefficients.
func Add(req AddRequest) (*AddCoeffs, error) {
	r1 := req.IFM1.Scale / req.OFM.Scale
	r2 := req.IFM2.Scale / req.OFM.Scale
	s1, err := addShift(r1)
	if err != nil {
		return nil, err
	}
	s2, err := addShift(r2)
	if err != nil {
		return nil, err
	}

	signedZP := float64(req.OFM.ZeroPoint) - r1*float64(req.IFM1.ZeroPoint) - r2*float64(req.IFM2.ZeroPoint)
	ofmShift := max(s1, s2)
	zpShift := 0
	var czp int64
	if signedZP != 0 {
		zpShift, err = addShift(math.Abs(signedZP))
		if err != nil {
			return nil, err
		}
		zpShift = min(zpShift, ofmShift+addZeroPointLift)
		czp = int64(fixedpoint.RoundHalfEven(math.Ldexp(signedZP, zpShift)))
		if czp != 0 {
			ofmShift = max(ofmShift, zpShift)
		}
	}

	c1, err := checkInt32("ifm1_coeff", int64(fixedpoint.RoundHalfEven(math.Ldexp(r1, s1))))
	if err != nil {
		return nil, err
	}
	c2, err := checkInt32("ifm2_coeff", int64(fixedpoint.RoundHalfEven(math.Ldexp(r2, s2))))
	if err != nil {
		return nil, err
	}

	out := &AddCoeffs{
		IFM1Coeff: c1,
		IFM2Coeff: c2,
		OFMShift:  ofmShift,
		IFM1Shift: ofmShift - s1,
		IFM2Shift: ofmShift - s2,
	}
	if czp != 0 {
		zc, err := checkInt32("zero_point_coeff", czp)
		if err != nil {
			return nil, err
		}
		out.ZeroPointCoeff = zc
		out.ZeroPointShift = ofmShift - zpShift
	}
	if out.IFM1Shift < 0 || out.IFM2Shift < 0 || out.ZeroPointShift < 0 {
		return nil, fmt.Errorf("%w: negative add shift %+v", ErrInternal, *out)
	}
	return out, nil
}

// MulLayout describes how the constant operand of a Mul is stored.
type MulLayout struct {
	LogicalElems  int  `json:"logical_elems"`
	PhysicalElems int  `json:"physical_elems"`
	Broadcast     bool `json:"broadcast"`
}

// MulCoeffs requantizes y = ifm1 * ifm2 as exact float32 mantissa/shift pairs.
type MulCoeffs struct {
	Coeff0 int32     `json:"coeff0"`
	Shift0 int       `json:"shift0"`
	Coeff1 int32     `json:"coeff1"`
	Shift1 int       `json:"shift1"`
	Layout MulLayout `json:"layout"`
}

// MulRequest describes an elementwise mul whose second operand is a constant.
type MulRequest struct {
	IFM1 QuantParams
	IFM2 QuantParams
	OFM  QuantParams

	// ConstElems is the element count of the constant operand; 1 broadcasts.
	ConstElems int
	// PhysicalElems overrides the padded element count when non-zero.
	PhysicalElems int
}

// Mul derives the elementwise mul coefficients. All arithmetic is float32 to
// match the engine; explicit conversions keep every step individually rounded.
func Mul(req MulRequest) (*MulCoeffs, error) {
	if req.ConstElems <= 0 {
		return nil, fmt.Errorf("%w: mul constant has %d elements", layout.ErrShapeMismatch, req.ConstElems)
	}
	if req.OFM.Scale == 0 {
		return nil, fmt.Errorf("%w: mul ofm scale 0", fixedpoint.ErrDegenerateScale)
	}

	prod := float32(float32(req.IFM1.Scale) * float32(req.IFM2.Scale))
	c0 := float32(prod / float32(req.OFM.Scale))
	zz := float32(req.IFM1.ZeroPoint * req.IFM2.ZeroPoint)
	c1 := float32(c0*zz) + float32(req.OFM.ZeroPoint)

	coeff0, shift0, err := fixedpoint.Float32Shift(c0)
	if err != nil {
		return nil, fmt.Errorf("requant: mul c0: %w", err)
	}
	coeff1, shift1, err := fixedpoint.Float32Shift(c1)
	if err != nil {
		return nil, fmt.Errorf("requant: mul c1: %w", err)
	}

	l, err := mulLayout(req.ConstElems, req.PhysicalElems)
	if err != nil {
		return nil, err
	}
	return &MulCoeffs{Coeff0: coeff0, Shift0: shift0, Coeff1: coeff1, Shift1: shift1, Layout: l}, nil
}

func mulLayout(logical, override int) (MulLayout, error) {
	l := MulLayout{LogicalElems: logical, Broadcast: logical == 1}
	switch {
	case override != 0:
		if override < logical {
			return l, fmt.Errorf("%w: physical %d < logical %d", layout.ErrShapeMismatch, override, logical)
		}
		l.PhysicalElems = override
	case l.Broadcast:
		l.PhysicalElems = layout.MulBroadcastLanes
	default:
		l.PhysicalElems = layout.AlignUp(logical, layout.MulPadGranule)
	}
	return l, nil
}
