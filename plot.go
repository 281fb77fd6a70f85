package kvload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/wcharczuk/go-chart"
)

var errNothingToPlot = errors.New("no trend has enough samples to plot")

// PlotSamples renders every handle:trend series of a samples csv as a png time series
func PlotSamples(csvPath, pngPath string) error {
	in, err := os.Open(csvPath)
	if err != nil {
		return err
	}
	defer in.Close()
	samples, err := ReadSamples(in)
	if err != nil {
		return fmt.Errorf("failed to read samples %s: %w", csvPath, err)
	}
	out, err := CreateOrReplaceFile(pngPath)
	if err != nil {
		return err
	}
	if err := RenderSamples(out, samples); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// RenderSamples renders samples chart as png into w
func RenderSamples(w io.Writer, samples []Sample) error {
	byName := make(map[string]*chart.TimeSeries)
	for _, s := range samples {
		name := s.Handle + ":" + s.Metric
		ts, ok := byName[name]
		if !ok {
			ts = &chart.TimeSeries{Name: name}
			byName[name] = ts
		}
		ts.XValues = append(ts.XValues, s.At)
		ts.YValues = append(ts.YValues, s.Value)
	}
	names := make([]string, 0, len(byName))
	for name, ts := range byName {
		// a single point has no range to draw
		if len(ts.XValues) < 2 {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return errNothingToPlot
	}
	sort.Strings(names)
	series := make([]chart.Series, 0, len(names))
	for _, name := range names {
		series = append(series, *byName[name])
	}
	graph := chart.Chart{
		Title:  "trends, ms",
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			Name:           "time",
			ValueFormatter: chart.TimeMinuteValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "ms",
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}
	return graph.Render(chart.PNG, w)
}
