package layout

import (
	"fmt"
)

// TailFunc returns the coefficient bytes appended after the sub-volume for output
// tile idxN. It may return nil.
type TailFunc func(idxN int) []byte

type tileGrid struct {
	kTiles   int
	tilesN   int
	colIters int
}

func newTileGrid(k, n int, sv SubVolume) (tileGrid, error) {
	if sv.K <= 0 || sv.N <= 0 {
		return tileGrid{}, fmt.Errorf("%w: invalid sub-volume %+v", ErrShapeMismatch, sv)
	}
	if k <= 0 || n <= 0 {
		return tileGrid{}, fmt.Errorf("%w: invalid matrix %dx%d", ErrShapeMismatch, k, n)
	}
	if k%sv.K != 0 {
		return tileGrid{}, fmt.Errorf("%w: K=%d not a multiple of sv_K=%d", ErrShapeMismatch, k, sv.K)
	}
	if n%sv.N != 0 {
		return tileGrid{}, fmt.Errorf("%w: N=%d not a multiple of sv_N=%d", ErrShapeMismatch, n, sv.N)
	}
	if sv.N%N8Burst != 0 {
		return tileGrid{}, fmt.Errorf("%w: sv_N=%d not a multiple of %d", ErrShapeMismatch, sv.N, N8Burst)
	}
	tilesN := n / sv.N
	if tilesN%NumRows != 0 {
		return tileGrid{}, fmt.Errorf("%w: %d N tiles do not fill %d array rows", ErrShapeMismatch, tilesN, NumRows)
	}
	perPass := NumRows * NumCols
	return tileGrid{
		kTiles:   k / sv.K,
		tilesN:   tilesN,
		colIters: (tilesN + perPass - 1) / perPass,
	}, nil
}

// each visits sub-volumes in array order. Columns past the last N tile stay empty.
func (g tileGrid) each(fn func(kt, idxN int) error) error {
	for col := range NumCols {
		for sub := range g.colIters {
			for kt := range g.kTiles {
				for row := range NumRows {
					idxN := (col*g.colIters+sub)*NumRows + row
					if idxN >= g.tilesN {
						continue
					}
					if err := fn(kt, idxN); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// TiledSize returns the number of bytes Tile emits for a K x N matrix when every
// tile tail is tailSize bytes long.
func TiledSize(k, n, elemSize int, sv SubVolume, tailSize int) (int, error) {
	g, err := newTileGrid(k, n, sv)
	if err != nil {
		return 0, err
	}
	return g.kTiles * g.tilesN * (sv.K*sv.N*elemSize + tailSize), nil
}

// Tile reorders a row-major K x N matrix of elemSize-byte elements into sub-volume
// order: column group, column sub-group, K tile, array row. Each sub-volume is the
// sv.K x sv.N block in N8 bursts followed by tail(idxN).
//
// The tiler never pads. Callers pad the logical tensor with the operand zero point
// first (see PadMatrix).
func Tile(w []byte, elemSize, k, n int, sv SubVolume, tail TailFunc) ([]byte, error) {
	g, err := newTileGrid(k, n, sv)
	if err != nil {
		return nil, err
	}
	if elemSize <= 0 || len(w) != k*n*elemSize {
		return nil, fmt.Errorf("%w: have %d bytes, want %dx%dx%d", ErrShapeMismatch, len(w), k, n, elemSize)
	}

	block := sv.K * sv.N * elemSize
	out := make([]byte, 0, g.kTiles*g.tilesN*block)
	err = g.each(func(kt, idxN int) error {
		out = appendN8Block(out, w, elemSize, n, kt*sv.K, idxN*sv.N, sv)
		if tail != nil {
			out = append(out, tail(idxN)...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// appendN8Block emits the block at (k0, n0) as [n8][k][8] elements.
func appendN8Block(out, w []byte, elemSize, n, k0, n0 int, sv SubVolume) []byte {
	for n8 := 0; n8 < sv.N; n8 += N8Burst {
		for k := k0; k < k0+sv.K; k++ {
			start := (k*n + n0 + n8) * elemSize
			out = append(out, w[start:start+N8Burst*elemSize]...)
		}
	}
	return out
}

// Untile is the inverse of Tile. It returns the row-major matrix and the tail bytes
// of every sub-volume in emission order.
func Untile(tiled []byte, elemSize, k, n int, sv SubVolume, tailSize int) ([]byte, [][]byte, error) {
	g, err := newTileGrid(k, n, sv)
	if err != nil {
		return nil, nil, err
	}
	block := sv.K * sv.N * elemSize
	if want := g.kTiles * g.tilesN * (block + tailSize); len(tiled) != want {
		return nil, nil, fmt.Errorf("%w: have %d tiled bytes, want %d", ErrShapeMismatch, len(tiled), want)
	}

	w := make([]byte, k*n*elemSize)
	tails := make([][]byte, 0, g.kTiles*g.tilesN)
	pos := 0
	err = g.each(func(kt, idxN int) error {
		k0, n0 := kt*sv.K, idxN*sv.N
		for n8 := 0; n8 < sv.N; n8 += N8Burst {
			for kk := k0; kk < k0+sv.K; kk++ {
				dst := (kk*n + n0 + n8) * elemSize
				pos += copy(w[dst:dst+N8Burst*elemSize], tiled[pos:pos+N8Burst*elemSize])
			}
		}
		tails = append(tails, tiled[pos:pos+tailSize])
		pos += tailSize
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return w, tails, nil
}
