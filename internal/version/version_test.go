package version

import (
	"runtime/debug"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func boolp(b bool) *bool { return &b }

func TestFold(t *testing.T) {
	tests := []struct {
		name string
		in   Info
		bi   debug.BuildInfo
		want Info
	}{
		{
			name: "fills unstamped values",
			in:   Info{Version: "dev", Commit: "none"},
			bi: debug.BuildInfo{
				GoVersion: "go1.24.11",
				Main:      debug.Module{Version: "v1.4.0"},
				Settings: []debug.BuildSetting{
					{Key: "vcs.revision", Value: "0123456789abcdef"},
					{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
					{Key: "vcs.modified", Value: "false"},
				},
			},
			want: Info{
				Version:    "v1.4.0",
				Commit:     "0123456789abcdef",
				CommitDate: "2026-01-02T03:04:05Z",
				BuildDate:  "2026-01-02T03:04:05Z",
				GoVersion:  "go1.24.11",
				VCSDirty:   boolp(false),
			},
		},
		{
			name: "stamped values win",
			in:   Info{Version: "1.2.3", Commit: "abc", BuildDate: "stamped"},
			bi: debug.BuildInfo{
				Main: debug.Module{Version: "(devel)"},
				Settings: []debug.BuildSetting{
					{Key: "vcs.revision", Value: "def"},
					{Key: "vcs.time", Value: "vcs"},
				},
			},
			want: Info{Version: "1.2.3", Commit: "abc", CommitDate: "vcs", BuildDate: "stamped"},
		},
		{
			name: "unparsable modified keeps stamped dirty",
			in:   Info{Version: "dev", Commit: "none", VCSDirty: boolp(true)},
			bi: debug.BuildInfo{
				Main:     debug.Module{Version: "(devel)"},
				Settings: []debug.BuildSetting{{Key: "vcs.modified", Value: "maybe"}},
			},
			want: Info{Version: "dev", Commit: "none", VCSDirty: boolp(true)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fold(tt.in, &tt.bi)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("fold (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGet_VCSDirtyTriState(t *testing.T) {
	defer func(old *bool) { VCSDirty = old }(VCSDirty)

	for _, d := range []*bool{nil, boolp(true), boolp(false)} {
		VCSDirty = d
		// The test binary carries no vcs settings, so the stamp passes through.
		got := Get().VCSDirty
		if (got == nil) != (d == nil) || (got != nil && *got != *d) {
			t.Fatalf("VCSDirty = %v, want %v", got, d)
		}
	}
}

func TestInfo_TagsAndString(t *testing.T) {
	i := Info{Version: "1.0.0", Commit: "0123456789abcdef0123", BuildId: "b-7", VCSDirty: boolp(true), GoVersion: "go1.24.11"}

	want := map[string]string{"version": "1.0.0", "commit": "0123456789ab", "build_id": "b-7"}
	if diff := cmp.Diff(want, i.Tags()); diff != "" {
		t.Fatalf("Tags (-want +got):\n%s", diff)
	}

	s := i.String()
	for _, part := range []string{"sitedeploy 1.0.0", "commit 0123456789ab", "dirty", "go1.24.11"} {
		if !strings.Contains(s, part) {
			t.Fatalf("String() = %q, missing %q", s, part)
		}
	}
}
