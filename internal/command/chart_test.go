package command

import (
	"bytes"
	"image/png"
	"testing"

	"example.com/systrack/internal/store"
)

func TestRenderUsageChart(t *testing.T) {
	records := []store.UsageRecord{
		{DiskUsageMB: 1200},
		{DiskUsageMB: 900},
		{DiskUsageMB: 450},
	}
	data, err := renderUsageChart(records)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a valid png: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != chartWidth || bounds.Dy() != chartHeight {
		t.Fatalf("unexpected dimensions: %v", bounds)
	}
}

func TestRenderUsageChartRejectsEmptyInput(t *testing.T) {
	if _, err := renderUsageChart(nil); err == nil {
		t.Fatal("expected an error for empty input")
	}
	if _, err := renderUsageChart([]store.UsageRecord{}); err == nil {
		t.Fatal("expected an error for empty input")
	}
}
