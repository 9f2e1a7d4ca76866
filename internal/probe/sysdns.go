package probe

import (
	"bufio"
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

var ipv4Pattern = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`)

// DiscoverSystemDNS returns the first IPv4 nameserver configured on the host,
// or "Unknown". It never fails.
func DiscoverSystemDNS(ctx context.Context, deps Dependencies) string {
	deps = deps.withDefaults()
	log := deps.Logger.WithField("goos", deps.GOOS)

	var candidates []string
	switch deps.GOOS {
	case "windows":
		raw, err := runQuick(ctx, deps, "ipconfig", "/all")
		if err != nil {
			log.WithError(err).Debug("ipconfig failed")
			return types.Unknown
		}
		candidates = parseIPConfig(string(raw))
	case "darwin":
		raw, err := runQuick(ctx, deps, "scutil", "--dns")
		if err != nil {
			log.WithError(err).Debug("scutil failed")
			return types.Unknown
		}
		candidates = parseScutil(string(raw))
	default:
		raw, err := deps.ReadFile("/etc/resolv.conf")
		if err != nil {
			log.WithError(err).Debug("read resolv.conf failed")
			return types.Unknown
		}
		candidates = parseResolvConf(string(raw))
	}

	for _, c := range candidates {
		if ipv4Pattern.MatchString(c) {
			return c
		}
	}
	return types.Unknown
}

func runQuick(ctx context.Context, deps Dependencies, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return deps.RunCommand(ctx, name, args...)
}

func parseResolvConf(content string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "nameserver" {
			out = append(out, fields[1])
		}
	}
	return out
}

// parseIPConfig reads the "DNS Servers" entry of ipconfig /all, including the
// indented continuation lines that list further servers.
func parseIPConfig(content string) []string {
	var out []string
	inServers := false
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if strings.Contains(line, "DNS Servers") {
			if idx := strings.Index(line, ":"); idx >= 0 {
				out = append(out, strings.TrimSpace(line[idx+1:]))
			}
			inServers = true
			continue
		}
		if inServers {
			if trimmed != "" && !strings.Contains(trimmed, ". .") && !strings.Contains(trimmed, " : ") {
				out = append(out, trimmed)
				continue
			}
			inServers = false
		}
	}
	return out
}

func parseScutil(content string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(strings.ToLower(line), "nameserver") {
			continue
		}
		if idx := strings.Index(line, ":"); idx >= 0 {
			out = append(out, strings.TrimSpace(line[idx+1:]))
		}
	}
	return out
}
