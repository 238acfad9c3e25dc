package report

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/baikal/fuzmon/internal/model"
)

// Time-series line charts rendered as standalone SVG, one series per PID.

type graphField int

const (
	fieldCPU graphField = iota
	fieldRSS
)

type point struct {
	t time.Time
	v float64
}

type series struct {
	label  string
	points []point
}

const (
	svgWidth    = 600
	svgHeight   = 300
	svgMarginX  = 60
	svgMarginY  = 40
	svgTicks    = 5
	svgFontSize = 11
)

var svgPalette = []string{
	"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd",
	"#8c564b", "#e377c2", "#7f7f7f", "#bcbd22", "#17becf",
}

// entrySeries extracts one graph series from a sorted log stream.
func entrySeries(entries []model.LogEntry, field graphField, label string) series {
	s := series{label: label}
	for _, e := range sortEntries(entries) {
		t, err := time.Parse(time.RFC3339, e.Timestamp)
		if err != nil {
			continue
		}
		v := e.CPUTimePercent
		if field == fieldRSS {
			v = float64(e.Memory.RssKB)
		}
		s.points = append(s.points, point{t: t, v: v})
	}
	return s
}

// renderSVG draws one or more series into a line chart. RSS values scale to
// MB or GB depending on the maximum; CPU stays in percent.
func renderSVG(seriesList []series, field graphField, caption string) string {
	var maxVal float64
	var start, end time.Time
	havePoints := false
	for _, s := range seriesList {
		for _, p := range s.points {
			if !havePoints || p.t.Before(start) {
				start = p.t
			}
			if !havePoints || p.t.After(end) {
				end = p.t
			}
			if p.v > maxVal {
				maxVal = p.v
			}
			havePoints = true
		}
	}
	if !havePoints {
		return ""
	}
	if maxVal <= 0 {
		maxVal = 1
	}
	if !end.After(start) {
		end = start.Add(time.Second)
	}

	yDesc := "CPU %"
	scale := 1.0
	if field == fieldRSS {
		if maxVal >= 1024*1024 {
			yDesc, scale = "RSS GB", 1024*1024
		} else {
			yDesc, scale = "RSS MB", 1024
		}
	}
	yMax := maxVal / scale
	if yMax < 1 {
		yMax = 1
	}

	plotW := float64(svgWidth - 2*svgMarginX)
	plotH := float64(svgHeight - 2*svgMarginY)
	xOf := func(t time.Time) float64 {
		return float64(svgMarginX) + plotW*t.Sub(start).Seconds()/end.Sub(start).Seconds()
	}
	yOf := func(v float64) float64 {
		return float64(svgHeight-svgMarginY) - plotH*(v/scale)/yMax
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d">`+"\n",
		svgWidth, svgHeight)
	fmt.Fprintf(&sb, `<rect width="%d" height="%d" fill="white"/>`+"\n", svgWidth, svgHeight)
	fmt.Fprintf(&sb,
		`<text x="%d" y="20" font-family="sans-serif" font-size="14">%s</text>`+"\n",
		svgMarginX, html.EscapeString(caption))

	// axes
	fmt.Fprintf(&sb, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="black"/>`+"\n",
		svgMarginX, svgHeight-svgMarginY, svgWidth-svgMarginX, svgHeight-svgMarginY)
	fmt.Fprintf(&sb, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="black"/>`+"\n",
		svgMarginX, svgMarginY, svgMarginX, svgHeight-svgMarginY)

	for i := 0; i <= svgTicks; i++ {
		frac := float64(i) / svgTicks
		y := yMax * frac
		py := yOf(y * scale)
		fmt.Fprintf(&sb,
			`<text x="%d" y="%.1f" font-family="sans-serif" font-size="%d" text-anchor="end">%.1f</text>`+"\n",
			svgMarginX-5, py+4, svgFontSize, y)
		t := start.Add(time.Duration(frac * float64(end.Sub(start))))
		px := xOf(t)
		fmt.Fprintf(&sb,
			`<text x="%.1f" y="%d" font-family="sans-serif" font-size="%d" text-anchor="middle">%s</text>`+"\n",
			px, svgHeight-svgMarginY+16, svgFontSize, t.UTC().Format("15:04:05"))
	}
	fmt.Fprintf(&sb,
		`<text x="12" y="%d" font-family="sans-serif" font-size="%d" transform="rotate(-90 12 %d)">%s</text>`+"\n",
		svgHeight/2, svgFontSize, svgHeight/2, yDesc)
	fmt.Fprintf(&sb,
		`<text x="%d" y="%d" font-family="sans-serif" font-size="%d" text-anchor="middle">time (UTC)</text>`+"\n",
		svgWidth/2, svgHeight-8, svgFontSize)

	for i, s := range seriesList {
		if len(s.points) == 0 {
			continue
		}
		color := svgPalette[i%len(svgPalette)]
		var coords []string
		for _, p := range s.points {
			coords = append(coords, fmt.Sprintf("%.1f,%.1f", xOf(p.t), yOf(p.v)))
		}
		fmt.Fprintf(&sb, `<polyline fill="none" stroke="%s" stroke-width="1.5" points="%s"/>`+"\n",
			color, strings.Join(coords, " "))
		if len(seriesList) > 1 {
			fmt.Fprintf(&sb,
				`<text x="%d" y="%d" font-family="sans-serif" font-size="%d" fill="%s">%s</text>`+"\n",
				svgWidth-svgMarginX+5, svgMarginY+14*i+10, svgFontSize, color,
				html.EscapeString(s.label))
		}
	}
	sb.WriteString("</svg>\n")
	return sb.String()
}
