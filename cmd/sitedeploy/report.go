package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/schollz/progressbar/v3"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/delivery"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/deploy"
)

// progressBar renders deploy progress on w. A nil bar ignores updates.
// Updates arrive serialized from the orchestrator.
type progressBar struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func newProgressBar(w io.Writer) *progressBar { return &progressBar{w: w} }

func (p *progressBar) update(ev deploy.Progress) {
	if p == nil {
		return
	}
	if p.bar == nil {
		p.bar = progressbar.NewOptions(ev.Total,
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}
	desc := string(ev.Op)
	if ev.Err != nil {
		desc += " failed"
	}
	p.bar.Describe(runewidth.Truncate(desc+" "+ev.Path, 48, "..."))
	_ = p.bar.Set(ev.Done)
}

func (p *progressBar) finish() {
	if p == nil || p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	fmt.Fprintln(p.w)
}

// table lays out columns by display width so wide runes in paths align.
type table struct {
	rows [][]string
}

func (t *table) add(cols ...string) { t.rows = append(t.rows, cols) }

func (t *table) render(w io.Writer) error {
	var widths []int
	for _, r := range t.rows {
		for i, c := range r {
			if i == len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], runewidth.StringWidth(c))
		}
	}
	var b strings.Builder
	for _, r := range t.rows {
		for i, c := range r {
			if i == len(r)-1 {
				b.WriteString(c)
				continue
			}
			b.WriteString(runewidth.FillRight(c, widths[i]+2))
		}
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func renderResult(w io.Writer, res deploy.Result) error {
	var t table
	t.add("uploaded", strconv.Itoa(len(res.Uploaded)), formatBytes(res.BytesUploaded))
	t.add("skipped", strconv.Itoa(len(res.Skipped)))
	t.add("deleted", strconv.Itoa(len(res.Deleted)))
	t.add("failed", strconv.Itoa(len(res.Failed)))
	t.add("retries", strconv.Itoa(res.Retries))
	if res.Invalidation.Status != "" {
		t.add("invalidation", string(res.Invalidation.Status), res.Invalidation.ID)
	}
	t.add("manifest", res.ManifestDigest)
	t.add("duration", res.Duration.Round(time.Millisecond).String())
	if err := t.render(w); err != nil {
		return err
	}
	if len(res.Failed) == 0 {
		return nil
	}

	var f table
	f.add("OP", "PATH", "ERROR")
	for _, af := range res.Failed {
		f.add(string(af.Op), af.Path, af.Err.Error())
	}
	fmt.Fprintln(w)
	return f.render(w)
}

func renderPlan(w io.Writer, p deploy.Plan) error {
	var t table
	t.add("ACTION", "PATH", "SIZE")
	for _, a := range p.Upload {
		t.add("upload", a.Path, formatBytes(a.Size))
	}
	for _, k := range p.Delete {
		t.add("delete", k, "")
	}
	for _, path := range p.Invalidate {
		t.add("invalidate", path, "")
	}
	if err := t.render(w); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d to upload (%s), %d unchanged, %d to delete, manifest %s\n",
		len(p.Upload), formatBytes(p.UploadBytes()), len(p.Skip), len(p.Delete), p.ManifestDigest)
	return err
}

func renderInvalidation(w io.Writer, inv delivery.Invalidation) error {
	var t table
	t.add("invalidation", inv.ID)
	t.add("distribution", inv.DistributionID)
	t.add("status", string(inv.Status))
	return t.render(w)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
