package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestExecutorObservesDeclaredOutputWrite(t *testing.T) {
	dir := t.TempDir()
	outRoot := filepath.Join(dir, "out")
	if err := os.Mkdir(outRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	outFile := filepath.Join(outRoot, "result.txt")

	spec := ProcessSpec{
		Executable:  "/bin/sh",
		Arguments:   []string{"-c", "echo hi > " + outFile},
		OutputRoots: []string{outRoot},
	}

	report, err := NewExecutor().Run(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if report.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", report.ExitCode)
	}

	var sawWrite bool
	for _, e := range report.Events {
		if e.Kind == EventWrite && e.Path == outFile {
			sawWrite = true
		}
	}
	if !sawWrite {
		t.Fatalf("expected a Write event for %s, got %+v", outFile, report.Events)
	}
	if report.Uncacheable() {
		t.Fatalf("unexpected violations: %+v", report.Violations)
	}
}

func TestExecutorBreakawayNotObserved(t *testing.T) {
	spec := ProcessSpec{
		Executable: "/bin/sh",
		Arguments:  []string{"-c", "echo hi"},
		Breakaway: []BreakawayRule{
			{Executable: "/bin/sh", RequiredArgument: "echo hi"},
		},
	}

	report, err := NewExecutor().Run(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Events) != 2 {
		t.Fatalf("breakaway subtree should only report start/exit, got %+v", report.Events)
	}
}

func TestExecutorMissingDeclaredInputIsViolation(t *testing.T) {
	spec := ProcessSpec{
		Executable:     "/bin/sh",
		Arguments:      []string{"-c", "true"},
		DeclaredInputs: []string{"/nonexistent/path/definitely-not-here"},
	}

	report, err := NewExecutor().Run(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if !report.HasHardViolation() {
		t.Fatalf("expected a hard violation for missing declared input, got %+v", report.Violations)
	}
}

func TestBreakawayRuleMatches(t *testing.T) {
	rule := BreakawayRule{Executable: "sh", RequiredArgument: "hi"}
	if !rule.Matches("sh", []string{"-c", "hi"}) {
		t.Fatal("expected match")
	}
	if rule.Matches("sh", []string{"-c", "bye"}) {
		t.Fatal("expected no match for different required argument")
	}
}
