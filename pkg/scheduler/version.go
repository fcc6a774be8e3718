package scheduler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cartofabric/fabric/pkg/notifytypes"
)

var versionPattern = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)`)

// parseVersion extracts (major, minor, patch) from a "vX.Y.Z" string,
// tolerating a missing leading "v" and trailing pre-release/build metadata.
func parseVersion(version string) (major, minor, patch int, ok bool) {
	m := versionPattern.FindStringSubmatch(strings.TrimSpace(version))
	if m == nil {
		return 0, 0, 0, false
	}
	major, _ = strconv.Atoi(m[1])
	minor, _ = strconv.Atoi(m[2])
	patch, _ = strconv.Atoi(m[3])
	return major, minor, patch, true
}

// CompareVersions reports whether latest is newer than current and, if so,
// what kind of bump it represents ("major", "minor", or "patch").
func CompareVersions(current, latest string) (hasUpdate bool, updateType string) {
	curMajor, curMinor, curPatch, curOK := parseVersion(current)
	latMajor, latMinor, latPatch, latOK := parseVersion(latest)
	if !curOK || !latOK {
		return false, ""
	}

	switch {
	case latMajor > curMajor:
		return true, "major"
	case latMajor == curMajor && latMinor > curMinor:
		return true, "minor"
	case latMajor == curMajor && latMinor == curMinor && latPatch > curPatch:
		return true, "patch"
	default:
		return false, ""
	}
}

func updatePriority(updateType string) notifytypes.Priority {
	switch updateType {
	case "major":
		return notifytypes.PriorityHigh
	case "minor":
		return notifytypes.PriorityMedium
	default:
		return notifytypes.PriorityLow
	}
}

func updateTitle(updateType, version string) string {
	switch updateType {
	case "major":
		return fmt.Sprintf("Major update available: v%s", version)
	case "minor":
		return fmt.Sprintf("New features available: v%s", version)
	default:
		return fmt.Sprintf("Bug fixes available: v%s", version)
	}
}

func updateMessage(updateType, current, latest string) string {
	base := fmt.Sprintf("A new version is available. You are running v%s, and v%s is now available.", current, latest)
	switch updateType {
	case "major":
		return base + " This is a major release with significant new features and improvements."
	case "minor":
		return base + " This release includes new features and improvements."
	default:
		return base + " This release includes bug fixes and minor improvements."
	}
}

func versionUpdateEvent(updateType, current, latest, changelogURL string) notifytypes.NotificationEvent {
	priority := updatePriority(updateType)
	return notifytypes.NotificationEvent{
		Timestamp: time.Now(),
		Type:      notifytypes.EventSystemStatus,
		Priority:  &priority,
		Title:     updateTitle(updateType, latest),
		Message:   updateMessage(updateType, current, latest),
		Details: map[string]any{
			"update_type":        updateType,
			"current_version":    current,
			"latest_version":     latest,
			"changelog_url":      changelogURL,
			"is_version_update":  true,
		},
	}
}

// HTTPVersionSource fetches a plain-text VERSION file from a release
// channel over HTTP, grounded on the original implementation's
// GitHub-raw-content version check.
type HTTPVersionSource struct {
	client *http.Client
	url    string
}

// NewHTTPVersionSource builds an HTTPVersionSource. If client is nil, a
// client with a 30s timeout is used.
func NewHTTPVersionSource(url string, client *http.Client) *HTTPVersionSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPVersionSource{client: client, url: url}
}

// FetchLatest implements VersionSource.
func (h *HTTPVersionSource) FetchLatest(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return "", fmt.Errorf("building version check request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching latest version: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching latest version: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("reading version response: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}
