// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/kernels/backends"
	"github.com/gomlx/kernels/types/shapes"
)

type benchResult struct {
	backend string
	op      backends.OpType
	elapsed time.Duration
	iters   int
	err     error
}

// benchmark every reduction kernel on every registered backend, reducing the last axis of a tensor
// of the given dimensions.
func benchmark(r *backends.Registry, dimensions []int, iters int) {
	if iters <= 0 {
		klog.Errorf("Benchmark needs at least one iteration, got %d", iters)
		return
	}
	fmt.Println(titleStyle.Render("Benchmarks"))
	shape := shapes.Make(benchDType, dimensions...)
	flat := make([]float32, shape.Size())
	for ii := range flat {
		flat[ii] = float32(ii%17) - 8
	}
	attrs := backends.Attrs{"axes": []int{-1}}
	ops := []backends.OpType{backends.OpTypeMin, backends.OpTypeMax, backends.OpTypeSum, backends.OpTypeProd}

	var previous string
	for _, info := range r.List() {
		if info.Active {
			previous = info.Name
		}
	}

	output := termenv.NewOutput(os.Stdout)
	output.HideCursor()
	var results []benchResult
	for _, info := range r.List() {
		if err := r.SetActive(info.Name); err != nil {
			klog.Errorf("Failed to activate backend %q: %+v", info.Name, err)
			continue
		}
		backend, err := r.Active()
		if err != nil {
			klog.Errorf("Backend %q: %+v", info.Name, err)
			continue
		}
		x, err := backend.TensorFromFlatData(flat, shape)
		if err != nil {
			klog.Errorf("Backend %q failed to upload %s: %+v", info.Name, shape, err)
			continue
		}
		for _, op := range ops {
			bar := progressbar.NewOptions(iters,
				progressbar.OptionSetDescription(fmt.Sprintf("%-8s %-5s", info.Name, op)),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("calls"),
				progressbar.OptionSetTheme(progressbar.ThemeASCII),
				progressbar.OptionClearOnFinish(),
			)
			results = append(results, benchOp(r, backend, op, x, attrs, iters, bar))
		}
		if err := backend.DisposeData(x.DataID); err != nil {
			klog.Errorf("Backend %q failed to release input: %+v", info.Name, err)
		}
	}
	output.ShowCursor()
	if previous != "" {
		if err := r.SetActive(previous); err != nil {
			klog.Errorf("Failed to re-activate backend %q: %+v", previous, err)
		}
	}

	table := newPlainTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Backend", "Op", "Time/call", "Input throughput")
	for _, result := range results {
		if result.err != nil {
			table.Row(result.backend, result.op.String(), "failed", result.err.Error())
			continue
		}
		perCall := result.elapsed / time.Duration(result.iters)
		bytesPerSecond := float64(shape.Memory()) * float64(result.iters) / result.elapsed.Seconds()
		table.Row(result.backend, result.op.String(), perCall.String(), humanize.IBytes(uint64(bytesPerSecond))+"/s")
	}
	fmt.Printf("Input %s (%s), reducing the last axis, %s calls per kernel:\n",
		shape, humanize.IBytes(uint64(shape.Memory())), humanize.Comma(int64(iters)))
	fmt.Println(table.Render())
}

func benchOp(r *backends.Registry, backend backends.Backend, op backends.OpType, x backends.TensorInfo,
	attrs backends.Attrs, iters int, bar *progressbar.ProgressBar) benchResult {
	result := benchResult{backend: backend.Name(), op: op, iters: iters}
	for range iters {
		start := time.Now()
		out, err := r.Dispatch(op, backends.Inputs{"x": x}, attrs)
		result.elapsed += time.Since(start)
		if err != nil {
			result.err = err
			_ = bar.Finish()
			return result
		}
		if err := backend.DisposeData(out.DataID); err != nil {
			result.err = err
			_ = bar.Finish()
			return result
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	return result
}
