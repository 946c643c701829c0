package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/hydro-sentinel/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"f3":  func(v float64) string { return fmt.Sprintf("%.3f", v) },
	"pct": func(v float64) string { return fmt.Sprintf("%.1f%%", v*100) },
	"stamp": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format(time.RFC3339)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Hydro Sentinel</title>
<style>
body { font-family: monospace; max-width: 700px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.ok { color: green; font-weight: bold; }
.warn { color: orange; font-weight: bold; }
.bad { color: red; font-weight: bold; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Hydro Sentinel</h1>

<h2>Model</h2>
<table>
<tr><th>Status</th><td id="model-state" class="{{if .Model.Ready}}ok{{else}}warn{{end}}">{{if .Model.Ready}}serving{{else}}not ready{{end}}</td></tr>
<tr><th>Algorithm</th><td>{{.Model.Algorithm}}</td></tr>
<tr><th>Trained on</th><td>{{.Model.TrainedOn}} readings</td></tr>
<tr><th>Trained at</th><td>{{stamp .Model.TrainedAt}}</td></tr>
<tr><th>Trees</th><td>{{.Model.Trees}}</td></tr>
<tr><th>Threshold</th><td>{{f3 .Model.Threshold}}</td></tr>
</table>

<h2>Readings</h2>
<table>
<tr><th>Scored</th><td>{{.Counts.Scored}}</td></tr>
<tr><th>Anomalies</th><td>{{.Counts.Anomalies}}</td></tr>
<tr><th>Not ready</th><td>{{.Counts.NotReady}}</td></tr>
<tr><th>Fallbacks</th><td>{{.Counts.Fallbacks}}</td></tr>
<tr><th>Dropped</th><td>{{.Counts.Dropped}}</td></tr>
<tr><th>Invalid</th><td>{{.Counts.Invalid}}</td></tr>
{{with .LastAnomaly}}<tr><th>Last anomaly</th><td id="last-anomaly">{{.DeviceID}} {{.ReadingID}} score {{f3 .Score}} at {{stamp .ScoredAt}}</td></tr>{{end}}
</table>

<h2>Drift</h2>
<table>
{{with .Drift}}<tr><th>Status</th><td id="drift-state" class="{{if .HasDrift}}bad{{else}}ok{{end}}">{{.Status}}</td></tr>
<tr><th>Checked</th><td>{{.SamplesChecked}} samples at {{stamp .CheckedAt}}</td></tr>
{{range .Drifted}}<tr><th>{{.Feature}}</th><td>{{.Severity}} (p={{printf "%.2g" .PValue}})</td></tr>
{{end}}<tr><th>Recommendation</th><td>{{.Recommendation}}</td></tr>
{{else}}<tr><th>Status</th><td id="drift-state">not checked yet</td></tr>{{end}}
</table>

<h2>Generation</h2>
<table>
{{with .Forecast}}<tr><th>Hour</th><td>{{stamp .Start}}</td></tr>
<tr><th>Actual</th><td>{{f3 .Energy}} kWh</td></tr>
<tr><th>Forecast</th><td>{{f3 .Forecast}} kWh ({{f3 .Lower}} to {{f3 .Upper}})</td></tr>
<tr><th>Severity</th><td id="forecast-state" class="{{if .Underperforming}}warn{{else}}ok{{end}}">{{.Severity}}</td></tr>
{{else}}<tr><th>Forecast</th><td id="forecast-state">waiting for history</td></tr>{{end}}
</table>

<h2>Feedback</h2>
<table>
<tr><th>Received</th><td>{{.Counts.Feedback}}</td></tr>
<tr><th>Precision</th><td>{{pct .Learner.Precision}}</td></tr>
<tr><th>Recall</th><td>{{pct .Learner.Recall}}</td></tr>
<tr><th>False positive rate</th><td>{{pct .Learner.FalsePositiveRate}}</td></tr>
<tr><th>Buffered</th><td>{{.Learner.Buffered}}</td></tr>
<tr><th>Retrains</th><td>{{.Learner.TotalRetrains}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Source</th><td>{{.Config.Source}}</td></tr>
<tr><th>Snapshots</th><td>{{.Config.Store}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
