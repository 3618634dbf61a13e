package version

import (
	"runtime/debug"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	vcs := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			GoVersion: "go1.26.0",
			Main:      debug.Module{Version: "(devel)"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef"},
				{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
				{Key: "vcs.modified", Value: "true"},
			},
		}, true
	}
	none := func() (*debug.BuildInfo, bool) { return nil, false }

	tests := []struct {
		name                 string
		v, commit, buildTime string
		read                 func() (*debug.BuildInfo, bool)
		want                 Info
	}{
		{
			name: "ldflags win",
			v:    "v1.2.3", commit: "feedface", buildTime: "today",
			read: vcs,
			want: Info{Version: "v1.2.3", Commit: "feedface", BuildTime: "today", GoVersion: "go1.26.0"},
		},
		{
			name: "vcs fallback",
			read: vcs,
			want: Info{Version: "dev", Commit: "0123456789abcdef-dirty", BuildTime: "2026-01-02T03:04:05Z", GoVersion: "go1.26.0"},
		},
		{
			name: "no build info",
			read: none,
			want: Info{Version: "dev", GoVersion: "unknown"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := resolve(tc.v, tc.commit, tc.buildTime, tc.read)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("info mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestShortCommit(t *testing.T) {
	t.Parallel()

	if got := shortCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("expected 12 characters, got %q", got)
	}
	if got := shortCommit("abc"); got != "abc" {
		t.Fatalf("expected short commit unchanged, got %q", got)
	}
}
