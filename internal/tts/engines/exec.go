// Package engines provides concrete synthesis adapters. Each adapter
// wraps one inference backend behind the tts.Adapter contract; the
// rest of the system never sees past that interface.
package engines

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/readaloud/internal/tts"
)

// ExecConfig configures a subprocess-backed adapter (piper-style CLI
// synthesizers that read text on stdin and emit raw PCM on stdout).
type ExecConfig struct {
	// Binary is the synthesizer executable (required).
	Binary string

	// ModelPath is the voice model file (required).
	ModelPath string

	// SampleRate of the produced PCM (defaults to 22050).
	SampleRate int

	// Timeout bounds a single synthesis call (defaults to 30s).
	Timeout time.Duration

	// MaxProcesses is the hard concurrency ceiling. Model inference
	// engines are usually memory-bound; defaults to 1 so the
	// orchestrator serializes calls.
	MaxProcesses int
}

// ExecEngine runs one subprocess per synthesis call. A fresh process
// per call avoids shared-stdin races and makes cancellation a plain
// process kill via the command context.
type ExecEngine struct {
	cfg ExecConfig
}

// NewExecEngine validates the configuration and probes for the model.
func NewExecEngine(cfg ExecConfig) (*ExecEngine, error) {
	if cfg.Binary == "" {
		return nil, errors.New("engine binary is required")
	}
	if cfg.ModelPath == "" {
		return nil, errors.New("model path is required")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, tts.NewError(tts.CodeModelMissing, "voice model not found", err)
	}
	if _, err := exec.LookPath(cfg.Binary); err != nil {
		return nil, tts.NewError(tts.CodeModelMissing, "synthesizer binary not found", err)
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 22050
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxProcesses < 1 {
		cfg.MaxProcesses = 1
	}
	return &ExecEngine{cfg: cfg}, nil
}

// Synthesize shells out to the synthesizer, feeding text on stdin and
// collecting raw PCM from stdout. Cancellation kills the subprocess
// through the command context.
func (e *ExecEngine) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, tts.NewError(tts.CodeInvalidInput, "empty text", tts.ErrEmptyText)
	}
	if req.Rate < 0.5 || req.Rate > 3.0 {
		return nil, tts.NewError(tts.CodeInvalidInput, "rate out of range", tts.ErrInvalidRate)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	// Piper convention: length scale is the inverse of speed.
	args := []string{
		"--model", e.cfg.ModelPath,
		"--output-raw",
		"--length-scale", fmt.Sprintf("%.2f", 1.0/req.Rate),
	}
	if req.VoiceID != "" {
		args = append(args, "--speaker", req.VoiceID)
	}

	cmd := exec.CommandContext(ctx, e.cfg.Binary, args...)
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, tts.NewError(tts.CodeTimeout, "synthesis timed out", ctx.Err())
		}
		if ctx.Err() == context.Canceled {
			return nil, tts.NewError(tts.CodeCancelled, "synthesis cancelled", ctx.Err())
		}
		return nil, classifyExecFailure(err, stderr.String())
	}

	audio := stdout.Bytes()
	if len(audio) == 0 {
		return nil, tts.NewError(tts.CodeInferenceFailed, "synthesizer produced no audio", nil)
	}

	// 16-bit mono PCM.
	duration := time.Duration(float64(len(audio)/2) / float64(e.cfg.SampleRate) * float64(time.Second))
	log.Debug("exec synthesis complete",
		"bytes", len(audio),
		"duration", duration,
		"elapsed", elapsed,
		"rtf", float64(elapsed)/float64(duration+1))

	return &tts.Result{
		Audio:      audio,
		SampleRate: e.cfg.SampleRate,
		Duration:   duration,
	}, nil
}

// MaxConcurrency reports the configured process ceiling.
func (e *ExecEngine) MaxConcurrency() int {
	return e.cfg.MaxProcesses
}

// classifyExecFailure maps subprocess failures onto the error
// taxonomy using the synthesizer's stderr. Only load/validation
// phrases count as model errors; a message that merely mentions the
// model stays a retryable inference failure.
func classifyExecFailure(err error, stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "out of memory"), strings.Contains(lower, "bad_alloc"):
		return tts.NewError(tts.CodeOutOfMemory, "synthesizer out of memory", err)
	case strings.Contains(lower, "no such file"):
		return tts.NewError(tts.CodeModelMissing, "synthesizer could not find model", err)
	case strings.Contains(lower, "failed to load model"),
		strings.Contains(lower, "invalid model"),
		strings.Contains(lower, "model corrupt"):
		return tts.NewError(tts.CodeModelCorrupted, "synthesizer rejected model", err)
	default:
		return tts.NewError(tts.CodeInferenceFailed, "synthesizer failed", fmt.Errorf("%w: %s", err, firstLine(stderr)))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
