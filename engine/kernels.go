package engine

import (
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// parallel runs fn(0..n-1) on up to GOMAXPROCS goroutines. Callers must make
// the writes of different indices disjoint.
func parallel(n int, fn func(i int)) {
	if n == 1 {
		fn(0)
		return
	}
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

// convGeom describes an NHWC convolution with a square kernel.
type convGeom struct {
	n, h, w, cin   int
	oh, ow, cout   int
	kernel, stride int
	pad            int
}

func (g convGeom) forward(x, w, b, y []float32) {
	parallel(g.n, func(n int) {
		for oh := 0; oh < g.oh; oh++ {
			for ow := 0; ow < g.ow; ow++ {
				yoff := ((n*g.oh+oh)*g.ow + ow) * g.cout
				out := y[yoff : yoff+g.cout]
				if b != nil {
					copy(out, b)
				} else {
					for i := range out {
						out[i] = 0
					}
				}
				for kh := 0; kh < g.kernel; kh++ {
					ih := oh*g.stride - g.pad + kh
					if ih < 0 || ih >= g.h {
						continue
					}
					for kw := 0; kw < g.kernel; kw++ {
						iw := ow*g.stride - g.pad + kw
						if iw < 0 || iw >= g.w {
							continue
						}
						xoff := ((n*g.h+ih)*g.w + iw) * g.cin
						woff := (kh*g.kernel + kw) * g.cin * g.cout
						for ci := 0; ci < g.cin; ci++ {
							xv := x[xoff+ci]
							if xv == 0 {
								continue
							}
							wrow := w[woff+ci*g.cout : woff+(ci+1)*g.cout]
							for co, wv := range wrow {
								out[co] += xv * wv
							}
						}
					}
				}
			}
		}
	})
}

// backwardParams accumulates dw and db. Work is split by kernel position so
// every goroutine writes a disjoint slice of dw.
func (g convGeom) backwardParams(x, dy, dw, db []float32) {
	parallel(g.kernel*g.kernel, func(k int) {
		kh, kw := k/g.kernel, k%g.kernel
		woff := k * g.cin * g.cout
		for n := 0; n < g.n; n++ {
			for oh := 0; oh < g.oh; oh++ {
				ih := oh*g.stride - g.pad + kh
				if ih < 0 || ih >= g.h {
					continue
				}
				for ow := 0; ow < g.ow; ow++ {
					iw := ow*g.stride - g.pad + kw
					if iw < 0 || iw >= g.w {
						continue
					}
					xoff := ((n*g.h+ih)*g.w + iw) * g.cin
					grad := dy[((n*g.oh+oh)*g.ow+ow)*g.cout:][:g.cout]
					for ci := 0; ci < g.cin; ci++ {
						xv := x[xoff+ci]
						if xv == 0 {
							continue
						}
						drow := dw[woff+ci*g.cout : woff+(ci+1)*g.cout]
						for co, d := range grad {
							drow[co] += xv * d
						}
					}
				}
			}
		}
	})
	if db != nil {
		for i := 0; i < len(dy); i += g.cout {
			for co := 0; co < g.cout; co++ {
				db[co] += dy[i+co]
			}
		}
	}
}

func (g convGeom) backwardInput(w, dy, dx []float32) {
	parallel(g.n, func(n int) {
		for oh := 0; oh < g.oh; oh++ {
			for ow := 0; ow < g.ow; ow++ {
				grad := dy[((n*g.oh+oh)*g.ow+ow)*g.cout:][:g.cout]
				for kh := 0; kh < g.kernel; kh++ {
					ih := oh*g.stride - g.pad + kh
					if ih < 0 || ih >= g.h {
						continue
					}
					for kw := 0; kw < g.kernel; kw++ {
						iw := ow*g.stride - g.pad + kw
						if iw < 0 || iw >= g.w {
							continue
						}
						xoff := ((n*g.h+ih)*g.w + iw) * g.cin
						woff := (kh*g.kernel + kw) * g.cin * g.cout
						for ci := 0; ci < g.cin; ci++ {
							wrow := w[woff+ci*g.cout : woff+(ci+1)*g.cout]
							var s float32
							for co, d := range grad {
								s += wrow[co] * d
							}
							dx[xoff+ci] += s
						}
					}
				}
			}
		}
	})
}

// denseForward computes y = xW + b for x [n, in] and W [in, out].
func denseForward(x, w, b, y []float32, n, in, out int) {
	parallel(n, func(i int) {
		row := y[i*out : (i+1)*out]
		if b != nil {
			copy(row, b)
		} else {
			for j := range row {
				row[j] = 0
			}
		}
		for k, xv := range x[i*in : (i+1)*in] {
			if xv == 0 {
				continue
			}
			wrow := w[k*out : (k+1)*out]
			for j, wv := range wrow {
				row[j] += xv * wv
			}
		}
	})
}

func denseBackward(x, w, dy, dx, dw, db []float32, n, in, out int) {
	if dw != nil {
		parallel(in, func(k int) {
			drow := dw[k*out : (k+1)*out]
			for i := 0; i < n; i++ {
				xv := x[i*in+k]
				if xv == 0 {
					continue
				}
				for j, d := range dy[i*out : (i+1)*out] {
					drow[j] += xv * d
				}
			}
		})
	}
	if db != nil {
		for i := 0; i < n; i++ {
			for j, d := range dy[i*out : (i+1)*out] {
				db[j] += d
			}
		}
	}
	if dx != nil {
		parallel(n, func(i int) {
			grad := dy[i*out : (i+1)*out]
			for k := 0; k < in; k++ {
				wrow := w[k*out : (k+1)*out]
				var s float32
				for j, d := range grad {
					s += wrow[j] * d
				}
				dx[i*in+k] = s
			}
		})
	}
}

// softmaxRows applies a numerically stable softmax to every row of width cols.
func softmaxRows(x, y []float32, cols int) {
	for off := 0; off < len(x); off += cols {
		row := x[off : off+cols]
		out := y[off : off+cols]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - max))
			out[j] = float32(e)
			sum += e
		}
		for j := range out {
			out[j] = float32(float64(out[j]) / sum)
		}
	}
}

func softmaxBackward(y, dy, dx []float32, cols int) {
	for off := 0; off < len(y); off += cols {
		var dot float32
		for j := 0; j < cols; j++ {
			dot += y[off+j] * dy[off+j]
		}
		for j := 0; j < cols; j++ {
			dx[off+j] = y[off+j] * (dy[off+j] - dot)
		}
	}
}

// poolGeom describes NHWC max pooling.
type poolGeom struct {
	n, h, w, c   int
	oh, ow       int
	size, stride int
}

func (g poolGeom) forward(x, y []float32, argmax []int) {
	parallel(g.n, func(n int) {
		for oh := 0; oh < g.oh; oh++ {
			for ow := 0; ow < g.ow; ow++ {
				yoff := ((n*g.oh+oh)*g.ow + ow) * g.c
				for c := 0; c < g.c; c++ {
					best := -1
					bestVal := float32(math.Inf(-1))
					for ph := 0; ph < g.size; ph++ {
						for pw := 0; pw < g.size; pw++ {
							idx := ((n*g.h+oh*g.stride+ph)*g.w+ow*g.stride+pw)*g.c + c
							if x[idx] > bestVal || best < 0 {
								best, bestVal = idx, x[idx]
							}
						}
					}
					y[yoff+c] = bestVal
					argmax[yoff+c] = best
				}
			}
		}
	})
}

// batchNormStats returns per-channel mean and biased variance over rows of width c.
func batchNormStats(x []float32, c int) (mean, variance []float64) {
	mean = make([]float64, c)
	variance = make([]float64, c)
	rows := len(x) / c
	for off := 0; off < len(x); off += c {
		for j := 0; j < c; j++ {
			mean[j] += float64(x[off+j])
		}
	}
	for j := range mean {
		mean[j] /= float64(rows)
	}
	for off := 0; off < len(x); off += c {
		for j := 0; j < c; j++ {
			d := float64(x[off+j]) - mean[j]
			variance[j] += d * d
		}
	}
	for j := range variance {
		variance[j] /= float64(rows)
	}
	return mean, variance
}
