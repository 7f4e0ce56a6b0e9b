// Package version reports build metadata stamped in with -ldflags, falling
// back to what the Go toolchain recorded in the binary.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// AppName is the service name used for logs, traces, profiles and metrics.
const AppName = "sitedeploy"

// Set via -ldflags "-X github.com/keithlinneman/linnemanlabs-sitedeploy/internal/version.Version=..."
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date,omitempty"`
	BuildDate  string `json:"build_date,omitempty"`
	BuildId    string `json:"build_id,omitempty"`
	GoVersion  string `json:"go_version,omitempty"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out = fold(out, bi)
	}
	return out
}

// fold fills gaps in linker-stamped values from toolchain settings.
// Stamped values win; vcs.modified only overrides when it parses.
func fold(out Info, bi *debug.BuildInfo) Info {
	if bi.GoVersion != "" {
		out.GoVersion = bi.GoVersion
	}
	if out.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		out.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.CommitDate == "" {
				out.CommitDate = s.Value
			}
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
		case "vcs.modified":
			switch s.Value {
			case "true", "false":
				d := s.Value == "true"
				out.VCSDirty = &d
			}
		}
	}
	return out
}

// ShortCommit is the first 12 characters of the commit hash.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 12 {
		return i.Commit[:12]
	}
	return i.Commit
}

// Tags is the label set attached to continuous profiles.
func (i Info) Tags() map[string]string {
	t := map[string]string{
		"version": i.Version,
		"commit":  i.ShortCommit(),
	}
	if i.BuildId != "" {
		t["build_id"] = i.BuildId
	}
	return t
}

func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (commit %s", AppName, i.Version, i.ShortCommit())
	if i.VCSDirty != nil && *i.VCSDirty {
		b.WriteString(", dirty")
	}
	b.WriteString(")")
	if i.BuildDate != "" {
		fmt.Fprintf(&b, " built %s", i.BuildDate)
	}
	if i.GoVersion != "" {
		fmt.Fprintf(&b, " %s", i.GoVersion)
	}
	return b.String()
}
