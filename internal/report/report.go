package report

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/baikal/fuzmon/internal/config"
	"github.com/baikal/fuzmon/internal/logfile"
	"github.com/baikal/fuzmon/internal/model"
)

var singleTmpl = template.Must(template.New("single").Parse(`<html><body>
<h1>Report for PID {{.Stats.PID}}</h1>
<p>Command: {{.Stats.Cmd}}</p>
<ul>
<li>Total runtime: {{.Stats.RuntimeSec}} sec</li>
<li>Total CPU time: {{printf "%.1f" .Stats.CPUSec}} sec</li>
<li>Average CPU usage: {{printf "%.1f" .Stats.AvgCPU}}%</li>
<li>Peak RSS: {{.Stats.PeakRssKB}} KB</li>
</ul>
{{if .Stats.Env}}<details><summary>Environment</summary><pre>{{.Stats.Env}}</pre></details>
{{else}}<p>Environment: unknown</p>
{{end}}<p>CPU usage<br><img src="{{.Stats.PID}}_cpu.svg" alt="CPU usage graph" /></p>
<p>RSS<br><img src="{{.Stats.PID}}_rss.svg" alt="RSS graph" /></p>
{{if .HasTrace}}<p><a href="{{.Stats.PID}}_trace.json">Trace JSON</a></p>
{{end}}{{if .HasProfile}}<p><a href="{{.Stats.PID}}_profile.pb.gz">pprof profile</a></p>
{{end}}</body></html>
`))

var indexTmpl = template.Must(template.New("index").Parse(`<html><head><style>
table,th,td{border:1px solid black;border-collapse:collapse;}pre{margin:0;}
</style></head><body>
<p>CPU usage<br><img src="top_cpu.svg" alt="Top CPU usage graph" /></p>
<p>Peak RSS<br><img src="top_rss.svg" alt="Top RSS graph" /></p>
<p>Start: {{.Start}}</p>
<p>End: {{.End}}</p>
<table>
<tr><th>PID</th><th>Command</th><th>Total runtime</th><th>Total CPU time</th><th>Avg CPU (%)</th><th>Peak RSS</th></tr>
{{range .Rows}}<tr><td><a href="{{.PID}}.html">{{.PID}}</a></td><td><details><summary>{{.Summary}}</summary><pre>{{.Cmd}}</pre></details></td><td>{{.RuntimeSec}}</td><td>{{printf "%.1f" .CPUSec}}</td><td>{{printf "%.1f" .AvgCPU}}</td><td>{{.PeakRssKB}}</td></tr>
{{end}}</table></body></html>
`))

type indexRow struct {
	Stats
	Summary string
}

// Renderer writes the report tree for one input path.
type Renderer struct {
	cfg    config.ReportConfig
	outDir string
	logger *zap.Logger
}

// NewRenderer creates a renderer writing below outDir.
func NewRenderer(cfg config.ReportConfig, outDir string, logger *zap.Logger) *Renderer {
	return &Renderer{cfg: cfg, outDir: outDir, logger: logger}
}

// Generate renders input (a log file or a log directory) into the output
// directory.
func (r *Renderer) Generate(input string) error {
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", r.outDir, err)
	}
	info, err := os.Stat(input)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return r.generateDir(input)
	}
	return r.generateFile(input)
}

func (r *Renderer) generateFile(path string) error {
	entries, err := logfile.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	stats, ok := calcStats(path, entries)
	if !ok {
		return r.writeOut("index.html", []byte("<p>No entries</p>"))
	}
	page, err := r.renderPid(stats, entries)
	if err != nil {
		return err
	}
	return r.writeOut("index.html", page)
}

func (r *Renderer) generateDir(dir string) error {
	files, err := logfile.CollectFiles(dir)
	if err != nil {
		return err
	}

	byPath := make(map[string][]model.LogEntry)
	var stats []Stats
	for _, file := range files {
		entries, err := logfile.ReadFile(file)
		if err != nil {
			r.logger.Warn("failed to read log file", zap.String("path", file), zap.Error(err))
			continue
		}
		if s, ok := calcStats(file, entries); ok {
			stats = append(stats, s)
			byPath[file] = entries
		}
	}
	if len(stats) == 0 {
		return r.writeOut("index.html", []byte("<p>No entries</p>"))
	}

	topCPU := topN(rankCPU(stats), r.cfg.TopCPU)
	topRSS := topN(rankRSS(stats), r.cfg.TopRSS)

	selectedPaths := make(map[string]Stats)
	for _, s := range topCPU {
		selectedPaths[s.Path] = s
	}
	for _, s := range topRSS {
		selectedPaths[s.Path] = s
	}
	var selected []Stats
	for _, s := range selectedPaths {
		selected = append(selected, s)
	}
	selected = rankCPU(selected)

	r.writeMultiGraph(topCPU, byPath, fieldCPU, "top_cpu.svg", "Top CPU usage")
	r.writeMultiGraph(topRSS, byPath, fieldRSS, "top_rss.svg", "Top RSS")

	rows := make([]indexRow, 0, len(selected))
	for _, s := range selected {
		rows = append(rows, indexRow{Stats: s, Summary: truncate(s.Cmd, 30)})
		page, err := r.renderPid(s, byPath[s.Path])
		if err != nil {
			return err
		}
		if err := r.writeOut(fmt.Sprintf("%d.html", s.PID), page); err != nil {
			return err
		}
	}

	var sb strings.Builder
	data := struct {
		Start, End string
		Rows       []indexRow
	}{
		Start: minStart(selected).UTC().Format("2006-01-02 15:04:05 UTC"),
		End:   maxEnd(selected).UTC().Format("2006-01-02 15:04:05 UTC"),
		Rows:  rows,
	}
	if err := indexTmpl.Execute(&sb, data); err != nil {
		return err
	}
	return r.writeOut("index.html", []byte(sb.String()))
}

// renderPid writes the graphs, trace, and profile for one PID and returns
// its HTML page.
func (r *Renderer) renderPid(s Stats, entries []model.LogEntry) ([]byte, error) {
	cpuSVG := renderSVG([]series{entrySeries(entries, fieldCPU, "")}, fieldCPU, "CPU usage (%)")
	if cpuSVG != "" {
		if err := r.writeOut(fmt.Sprintf("%d_cpu.svg", s.PID), []byte(cpuSVG)); err != nil {
			return nil, err
		}
	}
	rssSVG := renderSVG([]series{entrySeries(entries, fieldRSS, "")}, fieldRSS, "Resident set size")
	if rssSVG != "" {
		if err := r.writeOut(fmt.Sprintf("%d_rss.svg", s.PID), []byte(rssSVG)); err != nil {
			return nil, err
		}
	}

	hasTrace := false
	if trace, err := renderChromeTrace(entries); err != nil {
		r.logger.Warn("failed to build trace", zap.Uint32("pid", s.PID), zap.Error(err))
	} else if trace != nil {
		if err := r.writeOut(fmt.Sprintf("%d_trace.json", s.PID), trace); err != nil {
			return nil, err
		}
		hasTrace = true
	}

	hasProfile := false
	if prof := buildProfile(entries); prof != nil {
		path := filepath.Join(r.outDir, fmt.Sprintf("%d_profile.pb.gz", s.PID))
		if err := writeProfile(prof, path); err != nil {
			r.logger.Warn("failed to write profile", zap.String("path", path), zap.Error(err))
		} else {
			hasProfile = true
		}
	}

	var sb strings.Builder
	data := struct {
		Stats      Stats
		HasTrace   bool
		HasProfile bool
	}{s, hasTrace, hasProfile}
	if err := singleTmpl.Execute(&sb, data); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func (r *Renderer) writeMultiGraph(top []Stats, byPath map[string][]model.LogEntry,
	field graphField, name, caption string) {
	var list []series
	for _, s := range top {
		label := fmt.Sprintf("%d %s", s.PID, cmdBase(s.Cmd))
		multi := entrySeries(byPath[s.Path], field, label)
		if len(multi.points) > 0 {
			list = append(list, multi)
		}
	}
	if svg := renderSVG(list, field, caption); svg != "" {
		if err := r.writeOut(name, []byte(svg)); err != nil {
			r.logger.Warn("failed to write graph", zap.String("name", name), zap.Error(err))
		}
	}
}

func (r *Renderer) writeOut(name string, data []byte) error {
	path := filepath.Join(r.outDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func cmdBase(cmd string) string {
	token := cmd
	if i := strings.IndexByte(cmd, ' '); i >= 0 {
		token = cmd[:i]
	}
	return filepath.Base(token)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func minStart(stats []Stats) time.Time {
	var min time.Time
	for i, s := range stats {
		if i == 0 || s.Start.Before(min) {
			min = s.Start
		}
	}
	return min
}

func maxEnd(stats []Stats) time.Time {
	var max time.Time
	for i, s := range stats {
		if i == 0 || s.End.After(max) {
			max = s.End
		}
	}
	return max
}
