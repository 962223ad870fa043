package barto

import (
	"regexp"
	"sort"
	"strings"
)

// Update filters turn a worker's stored update-check output into a
// distribution-specific summary. The input is the output of whatever
// check command the schedule runs (garuda-update, checkupdates,
// apt-get -s upgrade, ...); each filter knows that tool's line shape.

var (
	garudaUpdateRE = regexp.MustCompile(
		`(chaotic-aur|core|extra|multilib)/([^ ]+)\s+([^ ]+)\s+([^ ]+)\s+(.+ MiB)\s+(.+ MiB)`)
	cachyosUpdateRE = regexp.MustCompile(
		`(cachyos-[^/ ]*|core|extra|multilib)/([^ ]+)\s+([^ ]+)\s+([^ ]+)\s+(.+ MiB)\s+(.+ MiB)`)
	pacmanPackagesRE     = regexp.MustCompile(`Packages \((\d+)\) (.*)`)
	pacmanDownloadSizeRE = regexp.MustCompile(`Total Download Size:[ ]+(\d+\.\d+) MiB`)
	pacmanInstallSizeRE  = regexp.MustCompile(`Total Installed Size:[ ]+(\d+\.\d+) MiB`)
	netUpgradeSizeRE     = regexp.MustCompile(`Net Upgrade Size:[ ]+(\d+\.\d+) MiB`)
	aptUpgradedRE        = regexp.MustCompile(`(\d+) upgraded, (\d+) newly installed, (\d+) to remove`)
)

// PackageUpdate is one pending package from a repo-style updater
// (garuda-update, cachyos pacman wrappers).
type PackageUpdate struct {
	Channel      string `json:"channel"`
	Package      string `json:"package"`
	OldVersion   string `json:"old_version"`
	NewVersion   string `json:"new_version"`
	SizeChange   string `json:"size_change"`
	DownloadSize string `json:"download_size"`
}

// PacmanSummary is the aggregate of a pacman -Syu dry run.
type PacmanSummary struct {
	PackageCount   int      `json:"package_count"`
	Packages       []string `json:"packages"`
	DownloadSize   string   `json:"download_size"`
	InstalledSize  string   `json:"installed_size"`
	NetUpgradeSize string   `json:"net_upgrade_size"`
}

// AptSummary is the aggregate of an apt upgrade dry run.
type AptSummary struct {
	Upgraded       int      `json:"upgraded"`
	NewlyInstalled int      `json:"newly_installed"`
	Packages       []string `json:"packages"`
}

// FilterUpdates runs the filter for kind over stored output lines and
// returns a JSON-able summary.
func FilterUpdates(kind UpdateKind, lines []string) any {
	switch kind {
	case UpdateGaruda:
		return packageFilter(garudaUpdateRE, lines)
	case UpdateCachyos:
		return packageFilter(cachyosUpdateRE, lines)
	case UpdatePacman:
		return pacmanFilter(lines)
	case UpdateApt:
		return aptFilter(lines)
	}
	return nil
}

func packageFilter(re *regexp.Regexp, lines []string) []PackageUpdate {
	updates := make([]PackageUpdate, 0)
	for _, line := range lines {
		caps := re.FindStringSubmatch(line)
		if caps == nil {
			continue
		}
		updates = append(updates, PackageUpdate{
			Channel:      caps[1],
			Package:      caps[2],
			OldVersion:   caps[3],
			NewVersion:   caps[4],
			SizeChange:   caps[5],
			DownloadSize: caps[6],
		})
	}
	sort.Slice(updates, func(i, j int) bool {
		return updates[i].Package < updates[j].Package
	})
	return updates
}

func pacmanFilter(lines []string) PacmanSummary {
	var sum PacmanSummary
	for _, line := range lines {
		if caps := pacmanPackagesRE.FindStringSubmatch(line); caps != nil {
			sum.PackageCount += atoiOrZero(caps[1])
			sum.Packages = append(sum.Packages, strings.Fields(caps[2])...)
			continue
		}
		if caps := pacmanDownloadSizeRE.FindStringSubmatch(line); caps != nil {
			sum.DownloadSize = caps[1] + " MiB"
			continue
		}
		if caps := pacmanInstallSizeRE.FindStringSubmatch(line); caps != nil {
			sum.InstalledSize = caps[1] + " MiB"
			continue
		}
		if caps := netUpgradeSizeRE.FindStringSubmatch(line); caps != nil {
			sum.NetUpgradeSize = caps[1] + " MiB"
		}
	}
	return sum
}

func aptFilter(lines []string) AptSummary {
	var sum AptSummary
	inList := false
	for _, line := range lines {
		if strings.HasPrefix(line, "The following packages will be upgraded") {
			inList = true
			continue
		}
		if caps := aptUpgradedRE.FindStringSubmatch(line); caps != nil {
			sum.Upgraded = atoiOrZero(caps[1])
			sum.NewlyInstalled = atoiOrZero(caps[2])
			inList = false
			continue
		}
		if inList && strings.HasPrefix(line, " ") {
			sum.Packages = append(sum.Packages, strings.Fields(line)...)
		}
	}
	return sum
}

func atoiOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
