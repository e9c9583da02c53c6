package backend

import (
	"fmt"
	"os"
	"strings"
)

const osReleasePath = "/etc/os-release"

// DetectBaseOS maps the host's /etc/os-release to a build target name.
// Used when --target-os is not given.
func DetectBaseOS() (string, error) {
	b, err := os.ReadFile(osReleasePath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", osReleasePath, err)
	}
	return baseOSFromRelease(string(b))
}

func baseOSFromRelease(content string) (string, error) {
	var id, versionID string
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(line, "ID="); ok {
			id = strings.Trim(v, `"`)
		} else if v, ok := strings.CutPrefix(line, "VERSION_ID="); ok {
			versionID = strings.Trim(v, `"`)
		}
	}
	switch {
	case id == "" || versionID == "":
		return "", fmt.Errorf("could not parse %s", osReleasePath)
	case id == "rocky" && strings.HasPrefix(versionID, "10"):
		return "epel10", nil
	default:
		return "", fmt.Errorf("unsupported OS: ID=%s, VERSION_ID=%s (pass --target-os)", id, versionID)
	}
}
