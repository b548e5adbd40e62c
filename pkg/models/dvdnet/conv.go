// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dvdnet

// KernelSize of the convolutions. Padding keeps the spatial dimensions ("same" padding).
const KernelSize = 3

// convShape describes a channels-first 3x3 convolution with stride 1 and zero padding of 1,
// applied to a single example.
type convShape struct {
	inChannels, outChannels, height, width int
}

func (s convShape) plane() int { return s.height * s.width }

// validRange returns the range [start, end) of output positions along an axis of the given size
// whose input position, shifted by delta, falls inside the image.
func validRange(size, delta int) (start, end int) {
	return max(0, -delta), min(size, size-delta)
}

// forward computes `out[o,y,x] = bias[o] + Σ_{i,ky,kx} weights[o,i,ky,kx]·in[i,y+ky-1,x+kx-1]`.
//
// in is `[inChannels, height, width]`, weights `[outChannels, inChannels, 3, 3]`,
// bias `[outChannels]` and out `[outChannels, height, width]`.
func (s convShape) forward(in, weights, bias, out []float32) {
	plane := s.plane()
	for o := range s.outChannels {
		dst := out[o*plane : (o+1)*plane]
		for p := range dst {
			dst[p] = bias[o]
		}
		for i := range s.inChannels {
			src := in[i*plane : (i+1)*plane]
			kernel := weights[(o*s.inChannels+i)*KernelSize*KernelSize:]
			for ky := range KernelSize {
				dy := ky - 1
				y0, y1 := validRange(s.height, dy)
				for kx := range KernelSize {
					w := kernel[ky*KernelSize+kx]
					if w == 0 {
						continue
					}
					dx := kx - 1
					x0, x1 := validRange(s.width, dx)
					for y := y0; y < y1; y++ {
						row := dst[y*s.width : (y+1)*s.width]
						srcRow := src[(y+dy)*s.width : (y+dy+1)*s.width]
						for x := x0; x < x1; x++ {
							row[x] += w * srcRow[x+dx]
						}
					}
				}
			}
		}
	}
}

// backward accumulates the gradients of the convolution given gradOut, the gradient with respect
// to its output: gradWeights and gradBias are added to, and gradIn too, if it is not nil.
func (s convShape) backward(in, weights, gradOut, gradIn, gradWeights, gradBias []float32) {
	plane := s.plane()
	for o := range s.outChannels {
		gOut := gradOut[o*plane : (o+1)*plane]
		var sum float32
		for _, g := range gOut {
			sum += g
		}
		gradBias[o] += sum
		for i := range s.inChannels {
			src := in[i*plane : (i+1)*plane]
			kernelIdx := (o*s.inChannels + i) * KernelSize * KernelSize
			for ky := range KernelSize {
				dy := ky - 1
				y0, y1 := validRange(s.height, dy)
				for kx := range KernelSize {
					dx := kx - 1
					x0, x1 := validRange(s.width, dx)
					w := weights[kernelIdx+ky*KernelSize+kx]
					var gw float32
					for y := y0; y < y1; y++ {
						gRow := gOut[y*s.width : (y+1)*s.width]
						srcRow := src[(y+dy)*s.width : (y+dy+1)*s.width]
						for x := x0; x < x1; x++ {
							gw += gRow[x] * srcRow[x+dx]
						}
						if gradIn != nil {
							gInRow := gradIn[i*plane+(y+dy)*s.width : i*plane+(y+dy+1)*s.width]
							for x := x0; x < x1; x++ {
								gInRow[x+dx] += w * gRow[x]
							}
						}
					}
					gradWeights[kernelIdx+ky*KernelSize+kx] += gw
				}
			}
		}
	}
}

// relu applies max(x, 0) in place.
func relu(x []float32) {
	for ii, v := range x {
		if v < 0 {
			x[ii] = 0
		}
	}
}

// reluBackward zeroes the gradient where the activation was not positive.
func reluBackward(activation, grad []float32) {
	for ii, v := range activation {
		if v <= 0 {
			grad[ii] = 0
		}
	}
}
