package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qdqpack/internal/compiler"
	"github.com/samcharles93/qdqpack/pkg/requant"
)

// parseQuant reads "scale:zero_point"; the zero point defaults to 0.
func parseQuant(s string) (requant.QuantParams, error) {
	scale, zp, found := strings.Cut(strings.TrimSpace(s), ":")
	var q requant.QuantParams
	v, err := strconv.ParseFloat(scale, 64)
	if err != nil {
		return q, fmt.Errorf("quant %q: scale: %w", s, err)
	}
	q.Scale = v
	if found {
		z, err := strconv.ParseInt(zp, 10, 64)
		if err != nil {
			return q, fmt.Errorf("quant %q: zero point: %w", s, err)
		}
		q.ZeroPoint = z
	}
	return q, nil
}

func quantFlag(name, usage string) cli.Flag {
	return &cli.StringFlag{Name: name, Usage: usage + " as scale:zero_point", Required: true}
}

func quantArgs(c *cli.Command, names ...string) ([]requant.QuantParams, error) {
	out := make([]requant.QuantParams, len(names))
	for i, n := range names {
		q, err := parseQuant(c.String(n))
		if err != nil {
			return nil, fmt.Errorf("--%s: %w", n, err)
		}
		out[i] = q
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func coeffsCmd() *cli.Command {
	return &cli.Command{
		Name:  "coeffs",
		Usage: "Derive requantization coefficients for one operator",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "elementwise add",
				Flags: []cli.Flag{quantFlag("ifm1", "first input"), quantFlag("ifm2", "second input"), quantFlag("ofm", "output")},
				Action: func(ctx context.Context, c *cli.Command) error {
					q, err := quantArgs(c, "ifm1", "ifm2", "ofm")
					if err != nil {
						return err
					}
					out, err := requant.Add(requant.AddRequest{IFM1: q[0], IFM2: q[1], OFM: q[2]})
					if err != nil {
						return err
					}
					return writeJSON(c.Root().Writer, out)
				},
			},
			{
				Name:  "mul",
				Usage: "elementwise mul by a constant",
				Flags: []cli.Flag{
					quantFlag("ifm1", "activation"), quantFlag("ifm2", "constant"), quantFlag("ofm", "output"),
					&cli.IntFlag{Name: "const-elems", Usage: "constant element count (1 broadcasts)", Value: 1},
					&cli.IntFlag{Name: "physical-elems", Usage: "override the padded element count"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					q, err := quantArgs(c, "ifm1", "ifm2", "ofm")
					if err != nil {
						return err
					}
					out, err := requant.Mul(requant.MulRequest{
						IFM1: q[0], IFM2: q[1], OFM: q[2],
						ConstElems: int(c.Int("const-elems")), PhysicalElems: int(c.Int("physical-elems")),
					})
					if err != nil {
						return err
					}
					return writeJSON(c.Root().Writer, out)
				},
			},
			{
				Name:  "bmm",
				Usage: "batched activation matmul",
				Flags: []cli.Flag{
					quantFlag("a", "left operand"), quantFlag("b", "right operand"), quantFlag("ofm", "output"),
					&cli.IntFlag{Name: "k", Usage: "padded reduction length", Required: true},
					&cli.IntFlag{Name: "bits", Usage: "operand width (8 or 16)", Value: 8},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					q, err := quantArgs(c, "a", "b", "ofm")
					if err != nil {
						return err
					}
					out, err := requant.BatchedMatMul(requant.BatchedMatMulRequest{
						A: q[0], B: q[1], OFM: q[2], K: int(c.Int("k")), Bits: int(c.Int("bits")),
					})
					if err != nil {
						return err
					}
					return writeJSON(c.Root().Writer, out)
				},
			},
			{
				Name:  "matmul",
				Usage: "matmul against a K x N constant of a weight file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "weights", Aliases: []string{"w"}, Usage: "path to the weight binary or .safetensors checkpoint", Required: true},
					&cli.StringFlag{Name: "weight", Usage: "weight constant name", Required: true},
					&cli.StringFlag{Name: "bias", Usage: "bias constant name"},
					&cli.StringFlag{Name: "ifm", Usage: "input operand name", Required: true},
					&cli.StringFlag{Name: "ofm", Usage: "output operand name", Required: true},
					&cli.StringFlag{Name: "model-version", Usage: "default quantization table"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					src, err := compiler.OpenWeights(c.String("weights"), "", c.String("model-version"))
					if err != nil {
						return err
					}
					defer func() { _ = src.Close() }()
					out, err := matmulFromFile(src, c.String("weight"), c.String("bias"), c.String("ifm"), c.String("ofm"))
					if err != nil {
						return err
					}
					return writeJSON(c.Root().Writer, out)
				},
			},
		},
	}
}

func matmulFromFile(src compiler.Source, weight, bias, ifmName, ofmName string) (*requant.MatMulCoeffs, error) {
	w, err := src.Operand(weight)
	if err != nil {
		return nil, err
	}
	if len(w.Shape) != 2 {
		return nil, fmt.Errorf("%s: expected a 2-D constant, got shape %v", weight, w.Shape)
	}
	vals, err := w.Ints()
	if err != nil {
		return nil, err
	}
	ifm, err := src.QuantParams(ifmName)
	if err != nil {
		return nil, err
	}
	ofm, err := src.QuantParams(ofmName)
	if err != nil {
		return nil, err
	}
	req := requant.MatMulRequest{
		IFM: ifm, Weight: w.Quant, OFM: ofm,
		Weights: vals, K: w.Shape[0], N: w.Shape[1], WeightBits: w.DType.Bits(),
	}
	if bias != "" {
		b, err := src.Operand(bias)
		if err != nil {
			return nil, err
		}
		if req.BiasData, err = b.Ints(); err != nil {
			return nil, err
		}
		req.Bias = &b.Quant
	}
	return requant.MatMul(req)
}
