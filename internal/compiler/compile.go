// Package compiler turns a plan and a weight source into packed weight and RTP
// regions plus a manifest describing where every operator landed.
package compiler

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/qdqpack/internal/logger"
	"github.com/samcharles93/qdqpack/pkg/blob"
	"github.com/samcharles93/qdqpack/pkg/layout"
)

// Options tunes a compile.
type Options struct {
	// Jobs bounds parallel operator generation; 0 uses GOMAXPROCS.
	Jobs int
	// LayoutVersion applies when the plan does not pick one.
	LayoutVersion layout.Version
	Logger        logger.Logger
}

// Result is a finished compile.
type Result struct {
	Weights  []byte
	RTP      []byte
	Manifest Manifest
}

// Compile generates every operator of plan and places the blobs into regions in
// plan order. Generation runs in parallel; placement and header fix-ups do not.
func Compile(ctx context.Context, plan *Plan, src Source, opts Options) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	ver := plan.LayoutVersion
	if ver == 0 {
		ver = opts.LayoutVersion
	}
	if ver == 0 {
		ver = layout.LayoutV1
	}
	if !ver.Valid() {
		return nil, fmt.Errorf("%w: unknown layout version %d", ErrInvalidPlan, ver)
	}
	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}

	start := time.Now()
	arts := make([]artifact, len(plan.Ops))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i := range plan.Ops {
		op := &plan.Ops[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a, err := generate(op, src, ver)
			if err != nil {
				return fmt.Errorf("compiler: %s (%s): %w", op.Name, op.Kind, err)
			}
			arts[i] = a
			log.Debug("operator generated", "name", op.Name, "kind", op.Kind, "layer", op.Layer, "bytes", len(a.blob))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res, err := place(plan, arts, ver)
	if err != nil {
		return nil, err
	}
	log.Info("compile finished",
		"ops", len(plan.Ops),
		"weight_bytes", len(res.Weights),
		"rtp_bytes", len(res.RTP),
		"layout_version", int(ver),
		"elapsed", time.Since(start))
	return res, nil
}

// place lays out the generated blobs, sizing regions the plan leaves open.
func place(plan *Plan, arts []artifact, ver layout.Version) (*Result, error) {
	wOffs := make([]int, len(plan.Ops))
	wEnd, rEnd := 0, 0
	next := 0
	for i := range plan.Ops {
		op := &plan.Ops[i]
		size := len(arts[i].blob)
		if op.RTPOffset != nil {
			size -= layout.RTPHeaderSize
			rEnd = max(rEnd, *op.RTPOffset+layout.RTPHeaderSize)
		}
		off := next
		if !op.appends() {
			off = *op.WeightOffset
		}
		wOffs[i] = off
		next = off + size
		wEnd = max(wEnd, next)
	}

	wSize := plan.WeightRegionSize
	if wSize == 0 {
		wSize = wEnd
	}
	rSize := plan.RTPRegionSize
	if rSize == 0 {
		rSize = rEnd
	}
	weights := blob.NewRegion("weights", wSize)
	var rtp *blob.Region
	if rSize > 0 {
		rtp = blob.NewRegion("rtp", rSize)
	}

	m := Manifest{
		ModelVersion:     plan.ModelVersion,
		LayoutVersion:    int(ver),
		WeightRegionSize: wSize,
		RTPRegionSize:    rSize,
		Ops:              make([]OpRecord, len(plan.Ops)),
	}
	partner := make(map[string]string)
	for _, op := range plan.Ops {
		if op.SwapRTPWith != "" {
			partner[op.Name] = op.SwapRTPWith
			partner[op.SwapRTPWith] = op.Name
		}
	}
	placed := make(map[string]int, len(plan.Ops))
	for i := range plan.Ops {
		op := &plan.Ops[i]
		var (
			p   blob.Placement
			err error
		)
		if op.RTPOffset != nil {
			p, err = blob.Place(arts[i].blob, op.Name, weights, wOffs[i], rtp, *op.RTPOffset)
		} else {
			p, err = blob.Place(arts[i].blob, op.Name, weights, wOffs[i], nil, 0)
		}
		if err != nil {
			return nil, fmt.Errorf("compiler: place %s: %w", op.Name, err)
		}
		placed[op.Name] = i
		m.Ops[i] = OpRecord{
			Name:        op.Name,
			Kind:        op.Kind,
			Layer:       op.Layer,
			Placement:   p,
			BlobSize:    len(arts[i].blob),
			SwappedWith: partner[op.Name],
			Coeffs:      arts[i].coeffs,
		}

		// The fix-up runs as soon as the second header of a pair is in place.
		if other, ok := partner[op.Name]; ok {
			if j, done := placed[other]; done && j != i {
				if err := swapPair(&m.Ops[i], &m.Ops[j], weights, rtp); err != nil {
					return nil, fmt.Errorf("compiler: swap %s/%s: %w", op.Name, other, err)
				}
			}
		}
	}

	res := &Result{Weights: weights.Bytes(), Manifest: m}
	if rtp != nil {
		res.RTP = rtp.Bytes()
	}
	return res, nil
}

func swapPair(a, b *OpRecord, weights, rtp *blob.Region) error {
	if a.Placement.RTPOffset >= 0 {
		return blob.SwapHeaders(rtp, a.Placement.RTPOffset, b.Placement.RTPOffset, layout.RTPHeaderSize)
	}
	return blob.SwapHeaders(weights, a.Placement.WeightOffset, b.Placement.WeightOffset, layout.RTPHeaderSize)
}
