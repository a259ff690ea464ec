package engines_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dgnsrekt/readaloud/internal/tts"
	"github.com/dgnsrekt/readaloud/internal/tts/engines"
)

func TestNewExecEngineRequiresBinaryAndModel(t *testing.T) {
	if _, err := engines.NewExecEngine(engines.ExecConfig{}); err == nil {
		t.Error("expected error for missing binary")
	}
	if _, err := engines.NewExecEngine(engines.ExecConfig{Binary: "piper"}); err == nil {
		t.Error("expected error for missing model path")
	}
}

func TestNewExecEngineMissingModelIsClassified(t *testing.T) {
	_, err := engines.NewExecEngine(engines.ExecConfig{
		Binary:    "piper",
		ModelPath: filepath.Join(t.TempDir(), "nope.onnx"),
	})
	if tts.CodeOf(err) != tts.CodeModelMissing {
		t.Fatalf("expected model-missing code, got %v", err)
	}
}

func TestNewExecEngineMissingBinaryIsClassified(t *testing.T) {
	model := filepath.Join(t.TempDir(), "voice.onnx")
	if err := os.WriteFile(model, []byte("model"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}

	_, err := engines.NewExecEngine(engines.ExecConfig{
		Binary:    "definitely-not-a-real-synthesizer",
		ModelPath: model,
	})
	if tts.CodeOf(err) != tts.CodeModelMissing {
		t.Fatalf("expected model-missing code, got %v", err)
	}
}

func TestExecEngineDefaults(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "voice.onnx")
	if err := os.WriteFile(model, []byte("model"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	// Use a binary guaranteed to exist so construction succeeds.
	engine, err := engines.NewExecEngine(engines.ExecConfig{
		Binary:    "sh",
		ModelPath: model,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if engine.MaxConcurrency() != 1 {
		t.Errorf("expected default process ceiling 1, got %d", engine.MaxConcurrency())
	}
}
