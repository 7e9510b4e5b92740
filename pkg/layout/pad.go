package layout

import "fmt"

// PadMatrix grows a row-major k x n matrix to k2 x n2, filling new elements with
// fill (the operand zero point encoded as elemSize little-endian bytes).
func PadMatrix(w []byte, elemSize, k, n, k2, n2 int, fill []byte) ([]byte, error) {
	if k2 < k || n2 < n {
		return nil, fmt.Errorf("%w: cannot pad %dx%d down to %dx%d", ErrShapeMismatch, k, n, k2, n2)
	}
	if len(w) != k*n*elemSize {
		return nil, fmt.Errorf("%w: have %d bytes, want %dx%dx%d", ErrShapeMismatch, len(w), k, n, elemSize)
	}
	if len(fill) != elemSize {
		return nil, fmt.Errorf("layout: fill is %d bytes, element is %d", len(fill), elemSize)
	}
	if k2 == k && n2 == n {
		return w, nil
	}

	out := make([]byte, 0, k2*n2*elemSize)
	for r := range k2 {
		if r < k {
			out = append(out, w[r*n*elemSize:(r+1)*n*elemSize]...)
			for range n2 - n {
				out = append(out, fill...)
			}
			continue
		}
		for range n2 {
			out = append(out, fill...)
		}
	}
	return out, nil
}

// PadVector grows a vector of elemSize-byte elements to physical elements.
func PadVector(v []byte, elemSize, physical int, fill []byte) ([]byte, error) {
	logical := len(v) / elemSize
	if len(v)%elemSize != 0 || physical < logical {
		return nil, fmt.Errorf("%w: cannot pad %d elements to %d", ErrShapeMismatch, logical, physical)
	}
	out := make([]byte, 0, physical*elemSize)
	out = append(out, v...)
	for range physical - logical {
		out = append(out, fill...)
	}
	return out, nil
}
