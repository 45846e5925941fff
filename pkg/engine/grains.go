package engine

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/podform/pkg/transports"
)

// osNames maps os-release IDs to grain os names.
var osNames = map[string]string{
	"debian":              "Debian",
	"ubuntu":              "Ubuntu",
	"raspbian":            "Raspbian",
	"linuxmint":           "Mint",
	"fedora":              "Fedora",
	"centos":              "CentOS",
	"rhel":                "RedHat",
	"rocky":               "Rocky",
	"almalinux":           "AlmaLinux",
	"amzn":                "Amazon",
	"ol":                  "OEL",
	"opensuse-leap":       "Leap",
	"opensuse-tumbleweed": "Tumbleweed",
	"sles":                "SUSE",
	"arch":                "Arch",
	"manjaro":             "Manjaro",
	"alpine":              "Alpine",
	"gentoo":              "Gentoo",
}

// osFamilies maps grain os names to their os_family.
var osFamilies = map[string]string{
	"Debian":     "Debian",
	"Ubuntu":     "Debian",
	"Raspbian":   "Debian",
	"Mint":       "Debian",
	"Fedora":     "RedHat",
	"CentOS":     "RedHat",
	"RedHat":     "RedHat",
	"Rocky":      "RedHat",
	"AlmaLinux":  "RedHat",
	"Amazon":     "RedHat",
	"OEL":        "RedHat",
	"Leap":       "Suse",
	"Tumbleweed": "Suse",
	"SUSE":       "Suse",
	"Arch":       "Arch",
	"Manjaro":    "Arch",
	"Alpine":     "Alpine",
	"Gentoo":     "Gentoo",
}

// debArch maps uname machine names to dpkg architectures.
var debArch = map[string]string{
	"x86_64":  "amd64",
	"aarch64": "arm64",
	"armv7l":  "armhf",
	"i686":    "i386",
	"ppc64le": "ppc64el",
}

var codenameInVersion = regexp.MustCompile(`\(([^)]+)\)`)

// GrainsCollector discovers host grains over a transport.
type GrainsCollector struct {
	transport transports.Transport
	logger    zerolog.Logger
}

// NewGrainsCollector creates a collector for the host behind tp.
func NewGrainsCollector(tp transports.Transport, logger zerolog.Logger) *GrainsCollector {
	return &GrainsCollector{transport: tp, logger: logger}
}

// Collect reads /etc/os-release, uname and hostname and derives the grains
// parameter files are selected by. Overrides replace collected values.
func (c *GrainsCollector) Collect(ctx context.Context, overrides map[string]any) (map[string]any, error) {
	start := time.Now()

	data, err := c.transport.ReadFile(ctx, "/etc/os-release")
	if err != nil {
		data, err = c.transport.ReadFile(ctx, "/usr/lib/os-release")
		if err != nil {
			return nil, fmt.Errorf("failed to read os-release: %w", err)
		}
	}
	release := ParseOSRelease(string(data))

	kernel, err := c.output(ctx, "uname", "-s")
	if err != nil {
		return nil, err
	}
	kernelRelease, err := c.output(ctx, "uname", "-r")
	if err != nil {
		return nil, err
	}
	machine, err := c.output(ctx, "uname", "-m")
	if err != nil {
		return nil, err
	}
	fqdn, err := c.output(ctx, "hostname", "-f")
	if err != nil || fqdn == "" {
		if fqdn, err = c.output(ctx, "hostname"); err != nil {
			return nil, err
		}
	}

	grains := DeriveGrains(release, kernel, kernelRelease, machine, fqdn)
	for k, v := range overrides {
		grains[k] = v
	}

	c.logger.Debug().
		Str("os", fmt.Sprint(grains["os"])).
		Str("os_family", fmt.Sprint(grains["os_family"])).
		Str("id", fmt.Sprint(grains["id"])).
		Dur("duration", time.Since(start)).
		Msg("grains collected")

	return grains, nil
}

func (c *GrainsCollector) output(ctx context.Context, name string, args ...string) (string, error) {
	res, err := c.transport.Run(ctx, transports.Command{Name: name, Args: args})
	if err != nil {
		return "", fmt.Errorf("failed to collect grains: %w", err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// ParseOSRelease parses os-release KEY=value lines, unquoting values.
func ParseOSRelease(content string) map[string]string {
	out := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if unquoted, err := strconv.Unquote(v); err == nil {
			v = unquoted
		} else {
			v = strings.Trim(v, `"'`)
		}
		out[k] = v
	}
	return out
}

// DeriveGrains builds the grain map from os-release fields and uname output.
func DeriveGrains(release map[string]string, kernel, kernelRelease, machine, fqdn string) map[string]any {
	id := strings.ToLower(release["ID"])
	osName, known := osNames[id]
	if !known {
		osName = release["NAME"]
		if osName == "" {
			osName = kernel
		}
	}

	family, ok := osFamilies[osName]
	if !ok {
		family = osName
		for _, like := range strings.Fields(release["ID_LIKE"]) {
			if name, ok := osNames[strings.ToLower(like)]; ok {
				family = osFamilies[name]
				break
			}
		}
	}

	osrelease := release["VERSION_ID"]
	major := osrelease
	if i := strings.Index(major, "."); i >= 0 {
		major = major[:i]
	}

	codename := release["VERSION_CODENAME"]
	if codename == "" {
		if m := codenameInVersion.FindStringSubmatch(release["VERSION"]); m != nil {
			codename = m[1]
		}
	}

	osarch := machine
	if family == "Debian" {
		if a, ok := debArch[machine]; ok {
			osarch = a
		}
	}

	finger := osName
	switch {
	case osName == "Ubuntu" && osrelease != "":
		finger += "-" + osrelease
	case major != "":
		finger += "-" + major
	}

	host, _, _ := strings.Cut(fqdn, ".")

	grains := map[string]any{
		"id":            fqdn,
		"host":          host,
		"fqdn":          fqdn,
		"os":            osName,
		"os_family":     family,
		"osfinger":      finger,
		"osarch":        osarch,
		"cpuarch":       machine,
		"osrelease":     osrelease,
		"oscodename":    codename,
		"kernel":        kernel,
		"kernelrelease": kernelRelease,
	}
	if n, err := strconv.Atoi(major); err == nil {
		grains["osmajorrelease"] = n
	} else {
		grains["osmajorrelease"] = major
	}
	return grains
}
