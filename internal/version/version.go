package version

import (
	"fmt"
	"runtime/debug"

	"github.com/larsks/gobot/tools"
)

var (
	Version string = "dev"
)

// revisionLength is how much of the vcs revision is shown.
const revisionLength = 10

func GetVersion(progName string) string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return describe(progName, nil)
	}
	return describe(progName, tools.BuildInfoMap(bi))
}

// describe renders the version line from a build info map. Missing vcs
// fields are left out instead of reported empty.
func describe(progName string, bim map[string]string) string {
	vs := fmt.Sprintf("%s version %s", progName, Version)
	if bim == nil {
		return vs
	}

	if goos, goarch := bim["GOOS"], bim["GOARCH"]; goos != "" && goarch != "" {
		vs = fmt.Sprintf("%s %s/%s", vs, goos, goarch)
	}

	if bim["vcs"] != "git" {
		return vs
	}
	if rev := bim["vcs.revision"]; rev != "" {
		if len(rev) > revisionLength {
			rev = rev[:revisionLength]
		}
		vs = fmt.Sprintf("%s rev %s", vs, rev)
		if ts := bim["vcs.time"]; ts != "" {
			vs = fmt.Sprintf("%s on %s", vs, ts)
		}
		if bim["vcs.modified"] == "true" {
			vs += " (dirty)"
		}
	}

	return vs
}
