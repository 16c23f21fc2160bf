package server

import (
	"fmt"
	"path/filepath"
	"regexp"
)

var outputVersionSuffixRe = regexp.MustCompile(`_v\d+\.nwb$`)

// outputStemFromPath recovers a conversion stem from a previously
// written output path (e.g. ".../recording_v2.nwb" -> "recording"),
// mirroring the naming convention internal/storage writes outputs with.
func outputStemFromPath(outputPath string) string {
	base := filepath.Base(outputPath)
	return outputVersionSuffixRe.ReplaceAllString(base, "")
}

// reportPath reconstructs the path a sidecar report would live at for a
// given stem/version/format, following the same on-disk layout
// internal/storage.WriteReport writes to.
func reportPath(outputDir, stem string, version int, format string) string {
	return filepath.Join(outputDir, fmt.Sprintf("%s_v%d.report.%s", stem, version, format))
}
