package command

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"

	"example.com/systrack/internal/store"
)

const (
	chartWidth   = 480
	chartHeight  = 160
	chartPadding = 8
)

var (
	chartBackground = color.RGBA{R: 24, G: 26, B: 32, A: 255}
	chartBar        = color.RGBA{R: 64, G: 156, B: 255, A: 255}
	chartBaseline   = color.RGBA{R: 90, G: 94, B: 104, A: 255}
)

// renderUsageChart draws a bar chart of disk usage across the given
// observations (newest first) and encodes it as PNG. It intentionally stays
// minimal: the attachment is a quick glanceable trend, not a dashboard.
func renderUsageChart(records []store.UsageRecord) ([]byte, error) {
	if len(records) == 0 {
		return nil, errors.New("no usage records to chart")
	}

	img := image.NewRGBA(image.Rect(0, 0, chartWidth, chartHeight))
	for y := 0; y < chartHeight; y++ {
		for x := 0; x < chartWidth; x++ {
			img.Set(x, y, chartBackground)
		}
	}

	// Oldest on the left.
	values := make([]float64, 0, len(records))
	for idx := len(records) - 1; idx >= 0; idx-- {
		values = append(values, records[idx].DiskUsageMB)
	}
	max := 0.0
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	if max <= 0 {
		max = 1
	}

	plotWidth := chartWidth - 2*chartPadding
	plotHeight := chartHeight - 2*chartPadding
	barWidth := plotWidth / len(values)
	if barWidth < 1 {
		barWidth = 1
	}

	for idx, v := range values {
		barHeight := int(float64(plotHeight) * (v / max))
		if barHeight < 1 {
			barHeight = 1
		}
		x0 := chartPadding + idx*barWidth
		x1 := x0 + barWidth - 1
		if x1 >= chartWidth-chartPadding {
			x1 = chartWidth - chartPadding - 1
		}
		for x := x0; x <= x1; x++ {
			for y := chartHeight - chartPadding - barHeight; y < chartHeight-chartPadding; y++ {
				img.Set(x, y, chartBar)
			}
		}
	}

	for x := chartPadding; x < chartWidth-chartPadding; x++ {
		img.Set(x, chartHeight-chartPadding, chartBaseline)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
