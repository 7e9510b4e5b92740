package api

import (
	"github.com/samcharles93/qdqpack/internal/compiler"
	"github.com/samcharles93/qdqpack/pkg/requant"
)

// MatMulCoeffsRequest is the body of POST /v1/coefficients/matmul.
type MatMulCoeffsRequest struct {
	IFM    requant.QuantParams  `json:"ifm"`
	Weight requant.QuantParams  `json:"weight"`
	OFM    requant.QuantParams  `json:"ofm"`
	Bias   *requant.QuantParams `json:"bias,omitempty"`

	// Weights is the K x N matrix in row-major order.
	Weights    []int64 `json:"weights"`
	BiasData   []int64 `json:"bias_data,omitempty"`
	K          int     `json:"k"`
	N          int     `json:"n"`
	WeightBits int     `json:"weight_bits,omitempty"`
}

// BatchedMatMulCoeffsRequest is the body of POST /v1/coefficients/bmm.
type BatchedMatMulCoeffsRequest struct {
	A    requant.QuantParams `json:"a"`
	B    requant.QuantParams `json:"b"`
	OFM  requant.QuantParams `json:"ofm"`
	K    int                 `json:"k"`
	Bits int                 `json:"bits,omitempty"`
}

// EltwiseCoeffsRequest is the body of the add and mul coefficient endpoints.
// ConstElems and PhysicalElems only apply to mul.
type EltwiseCoeffsRequest struct {
	IFM1          requant.QuantParams `json:"ifm1"`
	IFM2          requant.QuantParams `json:"ifm2"`
	OFM           requant.QuantParams `json:"ofm"`
	ConstElems    int                 `json:"const_elems,omitempty"`
	PhysicalElems int                 `json:"physical_elems,omitempty"`
}

// CompileRequest is the body of POST /v1/compile. Weights is relative to the
// server's weights root.
type CompileRequest struct {
	Weights  string         `json:"weights"`
	Metadata string         `json:"metadata,omitempty"`
	Plan     *compiler.Plan `json:"plan"`
}

type CompileResponse struct {
	ID          string            `json:"id"`
	Object      string            `json:"object"`
	CreatedAt   int64             `json:"created_at"`
	Weights     string            `json:"weights"`
	WeightBytes int               `json:"weight_bytes"`
	RTPBytes    int               `json:"rtp_bytes"`
	Manifest    compiler.Manifest `json:"manifest"`
}

type DeleteCompileResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}
