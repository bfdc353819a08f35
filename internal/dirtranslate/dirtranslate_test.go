package dirtranslate

import "testing"

func TestTranslateLongestPrefix(t *testing.T) {
	tr := New()
	if err := tr.AddRule("/src", "/mnt/src"); err != nil {
		t.Fatal(err)
	}
	if err := tr.AddRule("/src/nested", "/mnt/nested-override"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Seal(); err != nil {
		t.Fatal(err)
	}

	got := tr.Translate("/src/nested/file.txt")
	want := "/mnt/nested-override/file.txt"
	if got != want {
		t.Fatalf("Translate() = %q, want %q", got, want)
	}

	got = tr.Translate("/src/other/file.txt")
	want = "/mnt/src/other/file.txt"
	if got != want {
		t.Fatalf("Translate() = %q, want %q", got, want)
	}
}

func TestSealDetectsCycle(t *testing.T) {
	tr := New()
	_ = tr.AddRule("/a", "/b")
	_ = tr.AddRule("/b", "/a")

	err := tr.Seal()
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	var cycleErr *CycleError
	if !asCycleError(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T: %v", err, err)
	}
}

func asCycleError(err error, target **CycleError) bool {
	if ce, ok := err.(*CycleError); ok {
		*target = ce
		return true
	}
	return false
}

func TestTranslateMalformedPassthrough(t *testing.T) {
	tr := New()
	_ = tr.AddRule("/src", "/mnt/src")
	_ = tr.Seal()

	for _, p := range []string{"", `\??\C:\foo`, `\\?\C:\foo`, "C:"} {
		if got := tr.Translate(p); got != p {
			t.Fatalf("Translate(%q) = %q, want unchanged", p, got)
		}
	}
}
