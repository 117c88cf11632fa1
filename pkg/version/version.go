package version

import "fmt"

// Version represents the current version of remdap.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

var (
	// RemdapVersion is the current version of remdap.
	RemdapVersion = Version{Major: "0", Minor: "9", Patch: "0", Metadata: ""}
)

func (v Version) String() string {
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}
