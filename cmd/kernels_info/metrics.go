// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
)

const metricsPrefix = "gomlx_kernels_"

// printMetrics prints the metrics of the backends package collected in the default prometheus registry.
func printMetrics() {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		klog.Errorf("Failed to gather metrics: %+v", err)
		return
	}
	fmt.Println(titleStyle.Render("Metrics"))
	table := newPlainTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Metric", "Labels", "Value")
	for _, family := range families {
		if !strings.HasPrefix(family.GetName(), metricsPrefix) {
			continue
		}
		for _, metric := range family.GetMetric() {
			table.Row(strings.TrimPrefix(family.GetName(), metricsPrefix), formatLabels(metric.GetLabel()), formatValue(family.GetType(), metric))
		}
	}
	fmt.Println(table.Render())
}

func formatLabels(labels []*dto.LabelPair) string {
	parts := make([]string, 0, len(labels))
	for _, label := range labels {
		parts = append(parts, fmt.Sprintf("%s=%s", label.GetName(), label.GetValue()))
	}
	return strings.Join(parts, " ")
}

func formatValue(metricType dto.MetricType, metric *dto.Metric) string {
	switch metricType {
	case dto.MetricType_COUNTER:
		return humanize.Comma(int64(metric.GetCounter().GetValue()))
	case dto.MetricType_HISTOGRAM:
		histogram := metric.GetHistogram()
		if histogram.GetSampleCount() == 0 {
			return "-"
		}
		mean := histogram.GetSampleSum() / float64(histogram.GetSampleCount())
		return fmt.Sprintf("%s calls, mean %s", humanize.Comma(int64(histogram.GetSampleCount())),
			humanize.FtoaWithDigits(mean*1e6, 2)+"µs")
	default:
		return "?"
	}
}
