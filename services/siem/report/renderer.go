// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package report

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/dshield-mcp/services/siem/protocol"
)

// Renderer defaults.
const (
	// latexBinary is the rendering engine probed for the latex feature.
	latexBinary = "pdflatex"

	// DefaultWorkers bounds concurrent LaTeX subprocesses.
	DefaultWorkers = 2

	// renderTimeout bounds one LaTeX invocation.
	renderTimeout = 60 * time.Second
)

// LatexAvailable reports whether the LaTeX binary is on PATH. Used as
// the latex feature probe.
func LatexAvailable() bool {
	_, err := exec.LookPath(latexBinary)
	return err == nil
}

// Renderer renders reports, offloading LaTeX subprocess work to a
// bounded worker pool so a burst of report requests cannot fork an
// unbounded number of compilers.
//
// Thread Safety: safe for concurrent use.
type Renderer struct {
	logger  *slog.Logger
	group   *errgroup.Group
	baseDir string
}

// NewRenderer creates a Renderer writing under baseDir.
func NewRenderer(baseDir string, workers int, logger *slog.Logger) *Renderer {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	group := &errgroup.Group{}
	group.SetLimit(workers)
	return &Renderer{
		logger:  logger.With(slog.String("component", "report_renderer")),
		group:   group,
		baseDir: baseDir,
	}
}

// Render writes the report to outputPath. When latexEnabled it compiles
// a PDF through the worker pool; otherwise (or when compilation is
// impossible) it degrades to plain text and flags the result.
func (r *Renderer) Render(ctx context.Context, rep *Report, outputPath string, latexEnabled bool) (*Result, error) {
	if outputPath == "" {
		ext := ".txt"
		if latexEnabled {
			ext = ".pdf"
		}
		outputPath = filepath.Join(r.baseDir, rep.CampaignID+ext)
	}
	if !filepath.IsAbs(outputPath) {
		outputPath = filepath.Join(r.baseDir, outputPath)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating report directory: %w", err)
	}

	if latexEnabled {
		result, err := r.renderPDF(ctx, rep, outputPath)
		if err == nil {
			return result, nil
		}
		r.logger.Warn("latex rendering failed, degrading to text",
			slog.String("campaign_id", rep.CampaignID),
			slog.Any("error", err))
	}

	result, err := r.renderText(rep, textOutputPath(outputPath))
	if err != nil {
		return nil, err
	}
	result.Degraded = latexEnabled
	return result, nil
}

// renderPDF compiles the LaTeX source in a scratch dir and moves the
// PDF to outputPath. The subprocess runs on the worker pool; the caller
// blocks until its slot completes or ctx is done.
func (r *Renderer) renderPDF(ctx context.Context, rep *Report, outputPath string) (*Result, error) {
	source, err := renderTemplate(latexTemplate, rep)
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	r.group.Go(func() error {
		done <- r.compile(ctx, source, outputPath)
		return nil
	})

	select {
	case <-ctx.Done():
		return nil, protocol.NewToolError(protocol.KindTimeout, "report generation timed out").WithCause(ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, err
		}
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, err
	}
	return &Result{
		CampaignID: rep.CampaignID,
		Format:     FormatPDF,
		OutputPath: outputPath,
		SizeBytes:  info.Size(),
	}, nil
}

// compile runs one pdflatex invocation in a scratch directory that is
// removed on every exit path.
func (r *Renderer) compile(ctx context.Context, source, outputPath string) error {
	scratch, err := os.MkdirTemp("", "siem-report-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	texPath := filepath.Join(scratch, "report.tex")
	if err := os.WriteFile(texPath, []byte(source), 0o644); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, renderTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, latexBinary,
		"-interaction=nonstopmode", "-halt-on-error",
		"-output-directory", scratch, texPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pdflatex failed: %w: %s", err, tail(string(out), 400))
	}

	pdf, err := os.ReadFile(filepath.Join(scratch, "report.pdf"))
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, pdf, 0o644)
}

// renderText writes the plain-text fallback.
func (r *Renderer) renderText(rep *Report, outputPath string) (*Result, error) {
	body, err := renderTemplate(textTemplate, rep)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(outputPath, []byte(body), 0o644); err != nil {
		return nil, err
	}
	return &Result{
		CampaignID: rep.CampaignID,
		Format:     FormatText,
		OutputPath: outputPath,
		SizeBytes:  int64(len(body)),
	}, nil
}

func renderTemplate(tpl *template.Template, rep *Report) (string, error) {
	var b strings.Builder
	if err := tpl.Execute(&b, rep); err != nil {
		return "", fmt.Errorf("rendering template: %w", err)
	}
	return b.String(), nil
}

// textOutputPath swaps a .pdf extension for .txt.
func textOutputPath(path string) string {
	if strings.HasSuffix(path, ".pdf") {
		return strings.TrimSuffix(path, ".pdf") + ".txt"
	}
	return path
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// escapeLatex neutralizes LaTeX-active characters in untrusted values.
func escapeLatex(s string) string {
	replacer := strings.NewReplacer(
		"\\", `\textbackslash{}`,
		"&", `\&`, "%", `\%`, "$", `\$`, "#", `\#`,
		"_", `\_`, "{", `\{`, "}", `\}`,
		"~", `\textasciitilde{}`, "^", `\textasciicircum{}`,
	)
	return replacer.Replace(s)
}

var templateFuncs = template.FuncMap{
	"escape": escapeLatex,
	"rfc3339": func(t time.Time) string {
		if t.IsZero() {
			return "unknown"
		}
		return t.Format(time.RFC3339)
	},
}

var latexTemplate = template.Must(template.New("latex").Funcs(templateFuncs).Parse(`\documentclass{article}
\usepackage[margin=1in]{geometry}
\title{ {{- escape .Title -}} }
\date{ {{- rfc3339 .GeneratedAt -}} }
\begin{document}
\maketitle
\section*{Summary}
{{escape .Summary}}

\section*{Indicators}
\begin{itemize}
{{- range .Campaign.Indicators}}
  \item {{escape (printf "%s: %s (%d events)" .Type .Value .EventCount)}}
{{- end}}
\end{itemize}
{{- if .Enrichments}}

\section*{Threat Intelligence}
\begin{itemize}
{{- range .Enrichments}}
  \item {{escape (printf "%s (%s, %s) source=%s" .IP .Country .ASName .Source)}}
{{- end}}
\end{itemize}
{{- end}}
\end{document}
`))

var textTemplate = template.Must(template.New("text").Funcs(templateFuncs).Parse(`{{.Title}}
Generated: {{rfc3339 .GeneratedAt}}

SUMMARY
{{.Summary}}

INDICATORS
{{- range .Campaign.Indicators}}
  {{.Type}}: {{.Value}} ({{.EventCount}} events, gen {{.Generation}})
{{- end}}
{{- if .Enrichments}}

THREAT INTELLIGENCE
{{- range .Enrichments}}
  {{.IP}} country={{.Country}} as={{.ASName}} source={{.Source}}
{{- end}}
{{- end}}
`))
