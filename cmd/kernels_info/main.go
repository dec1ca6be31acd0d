// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kernels_info lists the registered compute backends and their kernels, and optionally benchmarks
// the reduction kernels on each backend.
//
// Usage:
//
//	kernels_info [-bench] [-bench_shape=256x1024] [-bench_iters=100] [-metrics]
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/kernels/backends"
	_ "github.com/gomlx/kernels/backends/cpu"
	_ "github.com/gomlx/kernels/backends/linear"
)

var (
	flagBackend = flag.String("backend", "",
		fmt.Sprintf("Backend configuration to activate, in the format \"<name>[:<config>]\". "+
			"If empty, the one given by $%s or the highest priority one is used.", backends.ConfigEnvVar))
	flagList       = flag.Bool("list", true, "List the registered backends and kernels.")
	flagBench      = flag.Bool("bench", false, "Benchmark the reduction kernels on every backend.")
	flagBenchShape = flag.String("bench_shape", "256x1024", "Shape of the Float32 tensor used in the benchmarks, "+
		"the last axis is reduced.")
	flagBenchIters = flag.Int("bench_iters", 100, "Number of iterations of each kernel in the benchmarks.")
	flagMetrics    = flag.Bool("metrics", false, "Print the dispatch metrics collected.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	r := backends.Default()
	if *flagBackend != "" {
		if err := r.SetActiveWithConfig(*flagBackend); err != nil {
			klog.Errorf("Failed to activate backend %q: %+v", *flagBackend, err)
			os.Exit(1)
		}
	} else if _, err := r.Active(); err != nil {
		klog.Errorf("Failed to activate the default backend: %+v", err)
		os.Exit(1)
	}
	defer func() {
		if err := r.Finalize(); err != nil {
			klog.Errorf("Failed to finalize backends: %+v", err)
		}
	}()

	if *flagList {
		listBackends(r)
		listKernels(r)
	}
	if *flagBench {
		dimensions, err := parseBenchFlags(*flagBenchShape, *flagBenchIters)
		if err != nil {
			klog.Errorf("Invalid benchmark flags: %v", err)
			os.Exit(1)
		}
		benchmark(r, dimensions, *flagBenchIters)
	}
	if *flagMetrics {
		printMetrics()
	}
}

func listBackends(r *backends.Registry) {
	fmt.Println(titleStyle.Render("Backends"))
	table := newPlainTable(true, lipgloss.Left, lipgloss.Right, lipgloss.Center, lipgloss.Left)
	table.Headers("Name", "Priority", "Active", "Description", "DTypes", "Tensors", "Memory")
	for _, info := range r.List() {
		backend, err := r.Backend(info.Name)
		if err != nil {
			klog.Errorf("Failed to create backend %q: %+v", info.Name, err)
			continue
		}
		active := ""
		if info.Active {
			active = "*"
		}
		caps := backend.Capabilities()
		var dtypeNames []string
		for dtype, supported := range caps.DTypes {
			if supported {
				dtypeNames = append(dtypeNames, dtype.String())
			}
		}
		slices.Sort(dtypeNames)
		stats := backend.MemoryStats()
		table.Row(info.Name, fmt.Sprint(info.Priority), active, backend.Description(),
			strings.Join(dtypeNames, ", "),
			humanize.Comma(int64(stats.NumTensors)),
			fmt.Sprintf("%s / %s", humanize.IBytes(stats.NumBytes), humanize.IBytes(stats.ReservedBytes)))
	}
	fmt.Println(table.Render())
}

func listKernels(r *backends.Registry) {
	fmt.Println(titleStyle.Render("Kernels"))
	table := newPlainTable(true)
	table.Headers("Op", "Backend", "Setup")
	for _, kernel := range r.Kernels() {
		setup := "-"
		if kernel.Setup != nil {
			setup = "yes"
		}
		table.Row(kernel.Op.String(), kernel.Backend, setup)
	}
	fmt.Println(table.Render())
}

// parseBenchFlags validates the -bench_shape and -bench_iters flags, and returns the benchmark dimensions.
func parseBenchFlags(shape string, iters int) ([]int, error) {
	if iters <= 0 {
		return nil, errors.Errorf("-bench_iters=%d must be > 0", iters)
	}
	dimensions, err := parseDimensions(shape)
	if err != nil {
		return nil, errors.WithMessage(err, "-bench_shape")
	}
	return dimensions, nil
}

// parseDimensions parses a shape in the format "2x3x4".
func parseDimensions(s string) ([]int, error) {
	var dimensions []int
	for _, part := range strings.Split(s, "x") {
		var dim int
		if _, err := fmt.Sscanf(part, "%d", &dim); err != nil || dim <= 0 {
			return nil, errors.Errorf("invalid dimension %q in %q", part, s)
		}
		dimensions = append(dimensions, dim)
	}
	return dimensions, nil
}

// benchDType is the dtype used in the benchmarks, supported by all backends.
var benchDType = dtypes.Float32
