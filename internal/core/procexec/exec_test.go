package procexec

import (
	"context"
	"strings"
	"testing"
)

func TestCaptureCommandSuccess(t *testing.T) {
	var lines []string
	res, err := CaptureCommand(context.Background(), []string{"/bin/sh", "-c", "echo one; echo two"}, func(l string) error {
		lines = append(lines, l)
		return nil
	}, "")
	if err != nil {
		t.Fatalf("CaptureCommand error: %v", err)
	}
	if !res.Success() {
		t.Fatalf("expected success, got %+v", res)
	}
	if want := []string{"one", "two"}; !equalSlices(lines, want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
}

func TestCaptureCommandNonZeroExit(t *testing.T) {
	res, err := CaptureCommand(context.Background(), []string{"/bin/sh", "-c", "exit 7"}, nil, "")
	if err != nil {
		t.Fatalf("CaptureCommand error: %v", err)
	}
	if res.Success() {
		t.Fatalf("expected failure result")
	}
	if res.ExitCode != 7 {
		t.Fatalf("ExitCode = %d, want 7", res.ExitCode)
	}
	if res.Signaled {
		t.Fatalf("expected Signaled false for a plain exit")
	}
}

func TestCaptureCommandSignaled(t *testing.T) {
	res, err := CaptureCommand(context.Background(), []string{"/bin/sh", "-c", "kill -TERM $$; sleep 1"}, nil, "")
	if err != nil {
		t.Fatalf("CaptureCommand error: %v", err)
	}
	if !res.Signaled {
		t.Fatalf("expected Signaled true, got %+v", res)
	}
	if res.ExitCode != 128+int(res.Signal) {
		t.Fatalf("ExitCode = %d, want 128+%d", res.ExitCode, res.Signal)
	}
}

func TestCaptureCommandEmptyArgv(t *testing.T) {
	if _, err := CaptureCommand(context.Background(), nil, nil, ""); err == nil {
		t.Fatalf("expected error for empty argv")
	}
}

func TestCaptureCommandPartialFinalLine(t *testing.T) {
	var lines []string
	_, err := CaptureCommand(context.Background(), []string{"/bin/sh", "-c", "printf 'no newline'"}, func(l string) error {
		lines = append(lines, l)
		return nil
	}, "")
	if err != nil {
		t.Fatalf("CaptureCommand error: %v", err)
	}
	if want := []string{"no newline"}; !equalSlices(lines, want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
}

func TestCaptureCommandCwd(t *testing.T) {
	dir := t.TempDir()
	var lines []string
	_, err := CaptureCommand(context.Background(), []string{"/bin/sh", "-c", "pwd"}, func(l string) error {
		lines = append(lines, l)
		return nil
	}, dir)
	if err != nil {
		t.Fatalf("CaptureCommand error: %v", err)
	}
	if len(lines) != 1 || lines[0] != dir {
		t.Fatalf("pwd output = %v, want [%s]", lines, dir)
	}
}

func TestLineCollectorKeepsOnlyTrailingMax(t *testing.T) {
	lc := NewLineCollector(2)
	for _, l := range []string{"a", "b", "c", "d"} {
		lc.OnLine(l)
	}
	if got, want := lc.Lines(), "c\nd"; got != want {
		t.Fatalf("Lines() = %q, want %q", got, want)
	}
}

func TestPipeCommandsChainsStdio(t *testing.T) {
	stages := []Stage{
		{Argv: []string{"/bin/sh", "-c", "printf 'hello\\nworld\\n'"}},
		{Argv: []string{"/usr/bin/tr", "a-z", "A-Z"}},
	}
	var lines []string
	res, err := PipeCommands(context.Background(), stages, func(l string) error {
		lines = append(lines, l)
		return nil
	})
	if err != nil {
		t.Fatalf("PipeCommands error: %v", err)
	}
	if idx, r := res.FirstNonZero(); idx != -1 {
		t.Fatalf("stage %d failed: %+v", idx, r)
	}
	joined := strings.Join(lines, " ")
	if !strings.Contains(joined, "HELLO") || !strings.Contains(joined, "WORLD") {
		t.Fatalf("expected uppercased output in %v", lines)
	}
}

func TestPipeCommandsEmptyStages(t *testing.T) {
	if _, err := PipeCommands(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected error for empty pipeline")
	}
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
