package supervisor

import "testing"

func TestTopLevelSymlinksMatchFHSConvention(t *testing.T) {
	want := map[string]string{
		"bin":   "usr/bin",
		"lib":   "usr/lib",
		"lib64": "usr/lib64",
		"sbin":  "usr/sbin",
	}
	if len(topLevelSymlinks) != len(want) {
		t.Fatalf("unexpected symlink set size: got %d want %d", len(topLevelSymlinks), len(want))
	}
	for name, target := range want {
		if topLevelSymlinks[name] != target {
			t.Errorf("symlink %s: got %q want %q", name, topLevelSymlinks[name], target)
		}
	}
}

func TestEmptyDirsMatchContract(t *testing.T) {
	want := []string{"etc", "var", "dev", "proc", "run", "sys", "tmp"}
	if len(emptyDirs) != len(want) {
		t.Fatalf("unexpected empty dir count: got %d want %d", len(emptyDirs), len(want))
	}
	for i, name := range want {
		if emptyDirs[i] != name {
			t.Errorf("emptyDirs[%d] = %q, want %q", i, emptyDirs[i], name)
		}
	}
}

// Prepare itself requires CAP_SYS_ADMIN to bind-mount and pivot_root, so
// it is exercised by integration tests run inside the privileged
// container (spec.md §4.E), not here.
