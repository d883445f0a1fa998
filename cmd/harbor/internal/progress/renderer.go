// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package progress renders download progress for the harbor CLI.
package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/AleutianHarbor/pkg/ux"
)

// Renderer displays progress for long-running transfers.
//
// # Description
//
// Abstracts progress display so the same pull loop works on
// interactive terminals (in-place bar), CI logs (timestamped lines),
// and scripted runs (silent until completion). All output is
// sanitized against terminal escape injection; artifact names come
// from remote sources.
//
// # Thread Safety
//
// Implementations must tolerate concurrent Render calls, one per
// active download.
type Renderer interface {
	// Render updates the display for a named operation. Completed and
	// total are byte counts; total zero means indeterminate.
	Render(ctx context.Context, operation, status string, completed, total int64)

	// Complete finalizes an operation's display.
	Complete(ctx context.Context, operation string, success bool, message string)

	// SetOutput redirects output. Nil disables it.
	SetOutput(w io.Writer)

	// IsTTY reports whether the renderer emits terminal control codes.
	IsTTY() bool
}

// Pick selects the renderer for a writer: silent under machine
// personality, in-place bars on terminals, log lines otherwise.
func Pick(w io.Writer) Renderer {
	if !ux.ShouldShowProgress() {
		return NewSilent(w)
	}
	if f, ok := w.(*os.File); ok {
		if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
			return NewTTY(w)
		}
	}
	return NewLine(w)
}

// =============================================================================
// Operation state
// =============================================================================

// rateSample records bytes completed at a point in time.
type rateSample struct {
	Time      time.Time
	Completed int64
}

// operationState tracks one operation between Render calls.
type operationState struct {
	StartTime time.Time
	Completed int64
	Total     int64
	Status    string

	// Rolling window for rate calculation
	RateSamples   []rateSample
	RateWindowSec int
}

// calculateRate returns bytes per second over the rolling window,
// pruning samples older than the window. Needs at least two samples.
func (o *operationState) calculateRate() float64 {
	if len(o.RateSamples) < 2 {
		return 0
	}

	cutoff := time.Now().Add(-time.Duration(o.RateWindowSec) * time.Second)
	valid := make([]rateSample, 0, len(o.RateSamples))
	for _, s := range o.RateSamples {
		if s.Time.After(cutoff) {
			valid = append(valid, s)
		}
	}
	o.RateSamples = valid

	if len(valid) < 2 {
		return 0
	}
	first, last := valid[0], valid[len(valid)-1]
	elapsed := last.Time.Sub(first.Time).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.Completed-first.Completed) / elapsed
}

// calculateETA estimates time remaining from the current rate. Zero
// when the total is unknown, the rate is unusable, or the transfer is
// already done.
func (o *operationState) calculateETA() time.Duration {
	if o.Total <= 0 || o.Completed >= o.Total {
		return 0
	}
	rate := o.calculateRate()
	if rate <= 0 {
		return 0
	}
	remaining := o.Total - o.Completed
	return time.Duration(float64(remaining) / rate * float64(time.Second))
}

func newOperationState(now time.Time, windowSec int) *operationState {
	return &operationState{
		StartTime:     now,
		RateWindowSec: windowSec,
		RateSamples:   make([]rateSample, 0, 100),
	}
}

func (o *operationState) update(status string, completed, total int64, now time.Time) {
	o.Completed = completed
	o.Total = total
	o.Status = status
	o.RateSamples = append(o.RateSamples, rateSample{Time: now, Completed: completed})
}

// =============================================================================
// TTY renderer
// =============================================================================

// TTYRenderer draws an in-place progress bar using carriage returns.
//
// Updates are limited to 10 per second to avoid terminal flicker.
type TTYRenderer struct {
	mu                sync.Mutex
	output            io.Writer
	operations        map[string]*operationState
	lastRender        time.Time
	minUpdateInterval time.Duration
	rateWindowSec     int
}

func NewTTY(w io.Writer) *TTYRenderer {
	return &TTYRenderer{
		output:            w,
		operations:        make(map[string]*operationState),
		minUpdateInterval: 100 * time.Millisecond,
		rateWindowSec:     5,
	}
}

func (r *TTYRenderer) Render(ctx context.Context, operation, status string, completed, total int64) {
	if ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.output == nil {
		return
	}

	now := time.Now()
	op, ok := r.operations[operation]
	if !ok {
		op = newOperationState(now, r.rateWindowSec)
		r.operations[operation] = op
	}
	op.update(status, completed, total, now)

	if now.Sub(r.lastRender) < r.minUpdateInterval {
		return
	}
	r.lastRender = now

	pct := percentage(op)
	bar := buildBar(op, 20)

	var line string
	if op.Total > 0 {
		line = fmt.Sprintf("\r  ⏳ %s [%s] %.1f%% (%s / %s) %s %s   ",
			sanitizeForTerminal(truncateString(operation, 30)),
			bar,
			pct,
			formatBytes(op.Completed),
			formatBytes(op.Total),
			formatRate(op.calculateRate()),
			formatETA(op.calculateETA()),
		)
	} else {
		line = fmt.Sprintf("\r  ⏳ %s: %s   ",
			sanitizeForTerminal(truncateString(operation, 30)),
			sanitizeForTerminal(op.Status),
		)
	}
	fmt.Fprint(r.output, line)
}

func (r *TTYRenderer) Complete(ctx context.Context, operation string, success bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.output == nil {
		return
	}

	var duration time.Duration
	if op, ok := r.operations[operation]; ok {
		duration = time.Since(op.StartTime)
	}
	delete(r.operations, operation)

	icon := "✓"
	if !success {
		icon = "✗"
	}
	// Trailing spaces clear leftovers from the longer progress line.
	fmt.Fprintf(r.output, "\r  %s %s: %s (%s)%s\n",
		icon,
		sanitizeForTerminal(operation),
		sanitizeForTerminal(message),
		formatDuration(duration),
		strings.Repeat(" ", 20),
	)
}

func (r *TTYRenderer) SetOutput(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = w
}

func (r *TTYRenderer) IsTTY() bool {
	return true
}

// =============================================================================
// Line renderer
// =============================================================================

// LineRenderer emits timestamped progress lines for CI and log files.
//
// Updates are limited to one per five seconds per operation so logs
// stay readable.
type LineRenderer struct {
	mu                sync.Mutex
	output            io.Writer
	operations        map[string]*operationState
	lastRender        map[string]time.Time
	minUpdateInterval time.Duration
	rateWindowSec     int
}

func NewLine(w io.Writer) *LineRenderer {
	return &LineRenderer{
		output:            w,
		operations:        make(map[string]*operationState),
		lastRender:        make(map[string]time.Time),
		minUpdateInterval: 5 * time.Second,
		rateWindowSec:     5,
	}
}

func (r *LineRenderer) Render(ctx context.Context, operation, status string, completed, total int64) {
	if ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.output == nil {
		return
	}

	now := time.Now()
	op, ok := r.operations[operation]
	if !ok {
		op = newOperationState(now, r.rateWindowSec)
		r.operations[operation] = op
	}
	op.update(status, completed, total, now)

	if last, ok := r.lastRender[operation]; ok && now.Sub(last) < r.minUpdateInterval {
		return
	}
	r.lastRender[operation] = now

	timestamp := now.Format(time.RFC3339)
	if op.Total > 0 {
		fmt.Fprintf(r.output, "%s [INFO] %s: %s %.0f%% (%s/%s) %s %s\n",
			timestamp,
			sanitizeForTerminal(operation),
			sanitizeForTerminal(op.Status),
			percentage(op),
			formatBytes(op.Completed),
			formatBytes(op.Total),
			formatRate(op.calculateRate()),
			formatETA(op.calculateETA()),
		)
	} else {
		fmt.Fprintf(r.output, "%s [INFO] %s: %s\n",
			timestamp,
			sanitizeForTerminal(operation),
			sanitizeForTerminal(op.Status),
		)
	}
}

func (r *LineRenderer) Complete(ctx context.Context, operation string, success bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.output == nil {
		return
	}

	var duration time.Duration
	if op, ok := r.operations[operation]; ok {
		duration = time.Since(op.StartTime)
	}
	delete(r.operations, operation)
	delete(r.lastRender, operation)

	level := "INFO"
	if !success {
		level = "ERROR"
	}
	fmt.Fprintf(r.output, "%s [%s] %s: %s (%s)\n",
		time.Now().Format(time.RFC3339),
		level,
		sanitizeForTerminal(operation),
		sanitizeForTerminal(message),
		formatDuration(duration),
	)
}

func (r *LineRenderer) SetOutput(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = w
}

func (r *LineRenderer) IsTTY() bool {
	return false
}

// =============================================================================
// Silent renderer
// =============================================================================

// SilentRenderer suppresses progress output entirely. Only Complete
// writes, one summary line per operation.
type SilentRenderer struct {
	mu         sync.Mutex
	output     io.Writer
	operations map[string]*operationState
}

func NewSilent(w io.Writer) *SilentRenderer {
	return &SilentRenderer{
		output:     w,
		operations: make(map[string]*operationState),
	}
}

func (r *SilentRenderer) Render(ctx context.Context, operation, status string, completed, total int64) {
	if ctx.Err() != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.operations[operation]
	if !ok {
		op = newOperationState(time.Now(), 5)
		r.operations[operation] = op
	}
	op.update(status, completed, total, time.Now())
}

func (r *SilentRenderer) Complete(ctx context.Context, operation string, success bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.operations, operation)

	if r.output == nil {
		return
	}
	status := "ok"
	if !success {
		status = "failed"
	}
	fmt.Fprintf(r.output, "%s: %s: %s\n", status, sanitizeForTerminal(operation), sanitizeForTerminal(message))
}

func (r *SilentRenderer) SetOutput(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = w
}

func (r *SilentRenderer) IsTTY() bool {
	return false
}

// =============================================================================
// Mock renderer
// =============================================================================

// MockRenderCall records a Render call for test verification.
type MockRenderCall struct {
	Operation string
	Status    string
	Completed int64
	Total     int64
}

// MockCompleteCall records a Complete call for test verification.
type MockCompleteCall struct {
	Operation string
	Success   bool
	Message   string
}

// MockRenderer captures calls for tests.
type MockRenderer struct {
	mu sync.Mutex

	RenderCalls   []MockRenderCall
	CompleteCalls []MockCompleteCall

	TTYValue bool
	Output   io.Writer
}

func NewMock() *MockRenderer {
	return &MockRenderer{}
}

func (m *MockRenderer) Render(ctx context.Context, operation, status string, completed, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RenderCalls = append(m.RenderCalls, MockRenderCall{
		Operation: operation,
		Status:    status,
		Completed: completed,
		Total:     total,
	})
}

func (m *MockRenderer) Complete(ctx context.Context, operation string, success bool, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteCalls = append(m.CompleteCalls, MockCompleteCall{
		Operation: operation,
		Success:   success,
		Message:   message,
	})
}

func (m *MockRenderer) SetOutput(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Output = w
}

func (m *MockRenderer) IsTTY() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TTYValue
}

// RenderCallCount returns how many Render calls were captured.
func (m *MockRenderer) RenderCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.RenderCalls)
}

// CompleteCallCount returns how many Complete calls were captured.
func (m *MockRenderer) CompleteCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CompleteCalls)
}

var (
	_ Renderer = (*TTYRenderer)(nil)
	_ Renderer = (*LineRenderer)(nil)
	_ Renderer = (*SilentRenderer)(nil)
	_ Renderer = (*MockRenderer)(nil)
)

// =============================================================================
// Formatting helpers
// =============================================================================

// ansiEscapeRegex matches ANSI escape sequences.
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// sanitizeForTerminal strips ANSI codes and control characters so
// remote artifact names cannot inject terminal escapes.
func sanitizeForTerminal(s string) string {
	s = ansiEscapeRegex.ReplaceAllString(s, "")

	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || r >= 32 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func percentage(op *operationState) float64 {
	if op.Total <= 0 {
		return 0
	}
	return float64(op.Completed) / float64(op.Total) * 100
}

func buildBar(op *operationState, width int) string {
	filled := 0
	if op.Total > 0 {
		filled = int(float64(width) * float64(op.Completed) / float64(op.Total))
		if filled > width {
			filled = width
		}
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// formatBytes renders a byte count in binary units, e.g. "1.5 GB".
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// formatRate renders a transfer rate, or "-- MB/s" before the rolling
// window has enough samples.
func formatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "-- MB/s"
	}

	const (
		KB = 1024.0
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytesPerSec >= GB:
		return fmt.Sprintf("%.1f GB/s", bytesPerSec/GB)
	case bytesPerSec >= MB:
		return fmt.Sprintf("%.1f MB/s", bytesPerSec/MB)
	case bytesPerSec >= KB:
		return fmt.Sprintf("%.1f KB/s", bytesPerSec/KB)
	default:
		return fmt.Sprintf("%.0f B/s", bytesPerSec)
	}
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "calculating..."
	}
	return "ETA: " + formatDuration(eta)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
