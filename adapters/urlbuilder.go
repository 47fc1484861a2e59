package adapters

import (
	"fmt"
	"strings"
)

// URLBuilder computes the canonical artifact URL for a given release
// coordinate, per spec §4.6. The layout mirrors a typical release-bucket
// convention: <base>/<subchannel>/<software>-<buildtag>-v<version>.tar.bz2,
// with subchannel allowed to be empty (spec §9's open question: the
// source's empty-subchannel behavior for "-gui" software is preserved).
type URLBuilder struct {
	BaseURL string
}

// NewURLBuilder builds a URLBuilder rooted at baseURL (no trailing slash).
func NewURLBuilder(baseURL string) *URLBuilder {
	return &URLBuilder{BaseURL: strings.TrimSuffix(baseURL, "/")}
}

// BuildUpdateURL implements stages.URLBuilder.
func (b *URLBuilder) BuildUpdateURL(software, subchannel, buildtag, version string) (string, error) {
	if software == "" || buildtag == "" || version == "" {
		return "", fmt.Errorf("build update url: software, buildtag and version are required")
	}

	filename := fmt.Sprintf("%s-%s-v%s.tar.bz2", software, buildtag, version)
	if subchannel == "" {
		return fmt.Sprintf("%s/%s", b.BaseURL, filename), nil
	}
	return fmt.Sprintf("%s/%s/%s", b.BaseURL, subchannel, filename), nil
}

// SubChannel derives the sub-channel for a (software, buildtag) pair, per
// spec §4.6: "source" if buildtag includes "-source", empty if software
// ends with "-gui", else "cli".
func SubChannel(software, buildtag string) string {
	switch {
	case strings.Contains(buildtag, "-source"):
		return "source"
	case strings.HasSuffix(software, "-gui"):
		return ""
	default:
		return "cli"
	}
}
