package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/face.relay/internal/face/mapping"
	"github.com/banshee-data/face.relay/internal/face/sampler"
	"github.com/banshee-data/face.relay/internal/httputil"
)

const (
	echartsAssetsHost  = "https://go-echarts.github.io/go-echarts-assets/assets/"
	defaultHistoryView = 300
	maxHistoryView     = 10000
)

// channelSeries is the recent history of one channel.
type channelSeries struct {
	ID     mapping.ChannelID
	Offset []float64 // seconds relative to the newest record
	Values []float64
}

// historyParam reads ?n= (records to show).
func historyParam(r *http.Request) (int, error) {
	s := r.URL.Query().Get("n")
	if s == "" {
		return defaultHistoryView, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > maxHistoryView {
		return 0, fmt.Errorf("n must be between 1 and %d", maxHistoryView)
	}
	return n, nil
}

// buildSeries splits records into one series per channel seen in the newest
// record. Older records missing a channel simply leave a gap.
func buildSeries(records []sampler.Record) []channelSeries {
	if len(records) == 0 {
		return nil
	}
	newest := records[len(records)-1]
	ids := newest.Sample.ChannelIDs()
	series := make([]channelSeries, len(ids))
	for i, id := range ids {
		series[i].ID = id
	}
	for _, rec := range records {
		offset := rec.Time.Sub(newest.Time).Seconds()
		for i := range series {
			v, ok := rec.Sample.Channels[series[i].ID]
			if !ok {
				continue
			}
			series[i].Offset = append(series[i].Offset, offset)
			series[i].Values = append(series[i].Values, float64(v))
		}
	}
	return series
}

func (ws *WebServer) recentSeries(w http.ResponseWriter, r *http.Request) ([]channelSeries, int, bool) {
	n, err := historyParam(r)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return nil, 0, false
	}
	if ws.sampler == nil {
		httputil.NotFound(w, "no sampler configured")
		return nil, 0, false
	}
	records := ws.sampler.History(n)
	if len(records) == 0 {
		httputil.NotFound(w, "no samples yet")
		return nil, 0, false
	}
	return buildSeries(records), len(records), true
}

// handleChart renders the recent channel history as an interactive line
// chart.
func (ws *WebServer) handleChart(w http.ResponseWriter, r *http.Request) {
	series, count, ok := ws.recentSeries(w, r)
	if !ok {
		return
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Face channels", Theme: "dark", Width: "100%", Height: "640px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Mapped channels", Subtitle: fmt.Sprintf("last %d samples", count)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "value"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)

	if len(series) > 0 {
		labels := make([]string, len(series[0].Offset))
		for i, off := range series[0].Offset {
			labels[i] = strconv.FormatFloat(off, 'f', 2, 64)
		}
		line.SetXAxis(labels)
	}
	for _, s := range series {
		data := make([]opts.LineData, len(s.Values))
		for i, v := range s.Values {
			data[i] = opts.LineData{Value: v}
		}
		line.AddSeries(s.ID.String(), data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handlePlot renders the recent channel history as a PNG.
func (ws *WebServer) handlePlot(w http.ResponseWriter, r *http.Request) {
	series, count, ok := ws.recentSeries(w, r)
	if !ok {
		return
	}

	p, err := historyPlot(series, count)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func historyPlot(series []channelSeries, count int) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Mapped channels (last %d samples)", count)
	p.X.Label.Text = "t (s)"
	p.Y.Label.Text = "value"
	p.Add(plotter.NewGrid())

	for i, s := range series {
		xys := make(plotter.XYs, len(s.Values))
		for j := range s.Values {
			xys[j].X = s.Offset[j]
			xys[j].Y = s.Values[j]
		}
		l, err := plotter.NewLine(xys)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", s.ID, err)
		}
		l.Color = plotutil.Color(i)
		l.Width = vg.Points(1)
		p.Add(l)
		p.Legend.Add(s.ID.String(), l)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}
