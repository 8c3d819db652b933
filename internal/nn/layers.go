package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Conv2D is a valid-padded, stride-1 convolution. W is stored as a
// (Kernel*Kernel*InChannels) x Filters matrix whose rows follow the
// (ky, kx, channel) order produced by im2col.
type Conv2D struct {
	Kernel     int
	InChannels int
	Filters    int
	W          *Param
	B          *Param
}

func newConv2D(name string, kernel, in, filters int, rnd *rand.Rand) *Conv2D {
	c := &Conv2D{
		Kernel:     kernel,
		InChannels: in,
		Filters:    filters,
		W:          newParam(name+"/kernel", kernel, kernel, in, filters),
		B:          newParam(name+"/bias", filters),
	}
	c.W.glorotUniform(rnd, kernel*kernel*in, kernel*kernel*filters)
	return c
}

func (c *Conv2D) width() int {
	return c.Kernel * c.Kernel * c.InChannels
}

// im2col unfolds every receptive field of x (h x w x InChannels) into a row.
// In HWC layout the kx and channel span of one kernel row is contiguous.
func (c *Conv2D) im2col(x []float64, h, w int) (cols []float64, oh, ow int) {
	k, ic := c.Kernel, c.InChannels
	oh, ow = h-k+1, w-k+1
	width := c.width()
	span := k * ic

	cols = make([]float64, oh*ow*width)
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			row := cols[(oy*ow+ox)*width:]
			for ky := 0; ky < k; ky++ {
				src := x[((oy+ky)*w+ox)*ic:]
				copy(row[ky*span:(ky+1)*span], src[:span])
			}
		}
	}

	return cols, oh, ow
}

// col2im is the adjoint of im2col: it scatters row gradients back onto the
// input positions they were copied from.
func (c *Conv2D) col2im(cols []float64, h, w int) []float64 {
	k, ic := c.Kernel, c.InChannels
	oh, ow := h-k+1, w-k+1
	width := c.width()
	span := k * ic

	dx := make([]float64, h*w*ic)
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			row := cols[(oy*ow+ox)*width:]
			for ky := 0; ky < k; ky++ {
				dst := dx[((oy+ky)*w+ox)*ic:]
				floats.Add(dst[:span], row[ky*span:(ky+1)*span])
			}
		}
	}

	return dx
}

// forward returns ReLU(conv(x) + b) in HWC layout.
func (c *Conv2D) forward(x []float64, h, w int) (out []float64, oh, ow int) {
	cols, oh, ow := c.im2col(x, h, w)
	rows := oh * ow

	out = make([]float64, rows*c.Filters)
	o := mat.NewDense(rows, c.Filters, out)
	o.Mul(mat.NewDense(rows, c.width(), cols), mat.NewDense(c.width(), c.Filters, c.W.Value))

	for r := 0; r < rows; r++ {
		v := out[r*c.Filters : (r+1)*c.Filters]
		floats.Add(v, c.B.Value)
		relu(v)
	}

	return out, oh, ow
}

// backward accumulates parameter gradients for an input x given dOut, the
// gradient with respect to the pre-activation output. The input gradient is
// only computed when needInput is set.
func (c *Conv2D) backward(x []float64, h, w int, dOut []float64, needInput bool) []float64 {
	cols, oh, ow := c.im2col(x, h, w)
	rows := oh * ow

	colsM := mat.NewDense(rows, c.width(), cols)
	dOutM := mat.NewDense(rows, c.Filters, dOut)

	var gW mat.Dense
	gW.Mul(colsM.T(), dOutM)
	floats.Add(c.W.Grad, gW.RawMatrix().Data)

	for r := 0; r < rows; r++ {
		floats.Add(c.B.Grad, dOut[r*c.Filters:(r+1)*c.Filters])
	}

	if !needInput {
		return nil
	}

	var dCols mat.Dense
	dCols.Mul(dOutM, mat.NewDense(c.width(), c.Filters, c.W.Value).T())

	return c.col2im(dCols.RawMatrix().Data, h, w)
}

// maxPool applies 2x2 pooling with stride 2 and same padding. Windows at the
// bottom and right edge of an odd-sized input are clipped. argmax records the
// input index each output value came from.
func maxPool(x []float64, h, w, ch int) (out []float64, oh, ow int, argmax []int) {
	oh, ow = (h+1)/2, (w+1)/2
	out = make([]float64, oh*ow*ch)
	argmax = make([]int, len(out))

	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			for c := 0; c < ch; c++ {
				best, bestIdx := math.Inf(-1), -1
				for dy := 0; dy < 2; dy++ {
					y := oy*2 + dy
					if y >= h {
						break
					}
					for dx := 0; dx < 2; dx++ {
						xx := ox*2 + dx
						if xx >= w {
							break
						}
						idx := (y*w+xx)*ch + c
						if x[idx] > best {
							best, bestIdx = x[idx], idx
						}
					}
				}
				o := (oy*ow+ox)*ch + c
				out[o] = best
				argmax[o] = bestIdx
			}
		}
	}

	return out, oh, ow, argmax
}

func maxPoolBackward(dOut []float64, argmax []int, inLen int) []float64 {
	dx := make([]float64, inLen)
	for i, idx := range argmax {
		dx[idx] += dOut[i]
	}
	return dx
}

// Dense is a fully connected layer with W stored as an In x Out matrix.
type Dense struct {
	In  int
	Out int
	W   *Param
	B   *Param
}

func newDense(name string, in, out int, rnd *rand.Rand) *Dense {
	d := &Dense{
		In:  in,
		Out: out,
		W:   newParam(name+"/kernel", in, out),
		B:   newParam(name+"/bias", out),
	}
	d.W.glorotUniform(rnd, in, out)
	return d
}

func (d *Dense) weights() *mat.Dense {
	return mat.NewDense(d.In, d.Out, d.W.Value)
}

// forward computes x W + b for a batch x (n x In).
func (d *Dense) forward(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	var out mat.Dense
	out.Mul(x, d.weights())

	raw := out.RawMatrix()
	for i := 0; i < n; i++ {
		floats.Add(raw.Data[i*raw.Stride:i*raw.Stride+d.Out], d.B.Value)
	}

	return &out
}

// backward accumulates gradients given the layer input x and dOut (n x Out)
// and returns the gradient with respect to x.
func (d *Dense) backward(x, dOut *mat.Dense) *mat.Dense {
	n, _ := dOut.Dims()

	var gW mat.Dense
	gW.Mul(x.T(), dOut)
	floats.Add(d.W.Grad, gW.RawMatrix().Data)

	raw := dOut.RawMatrix()
	for i := 0; i < n; i++ {
		floats.Add(d.B.Grad, raw.Data[i*raw.Stride:i*raw.Stride+d.Out])
	}

	var dx mat.Dense
	dx.Mul(dOut, d.weights().T())
	return &dx
}

func relu(v []float64) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}

// Sigmoid is the logistic function, evaluated without overflow.
func Sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func checkLen(name string, got, want int) error {
	if got != want {
		return fmt.Errorf("nn: %s has %d values, want %d", name, got, want)
	}
	return nil
}
