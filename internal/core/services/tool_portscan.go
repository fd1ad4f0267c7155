package services

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/seclab/aegis/internal/core/domain"
	"github.com/seclab/aegis/internal/core/ports"
)

// targets must look like hostnames, IPs or CIDR ranges; anything else is
// rejected before it gets near a container argv.
var targetRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9.\-:/]*$`)
var portSpecRe = regexp.MustCompile(`^[0-9,\-]+$`)

// NewPortScanTool builds the sandboxed port-scan tool. Every invocation runs
// nmap inside a fresh locked-down container via the ScannerRuntime.
func NewPortScanTool(logger *slog.Logger, runtime ports.ScannerRuntime) *domain.Tool {
	return &domain.Tool{
		Name:        "port_scan",
		Description: "Scan a host for open TCP ports and service versions using nmap in an isolated container",
		Parameters: domain.ToolParameters{
			Type: "object",
			Properties: map[string]interface{}{
				"target": map[string]interface{}{
					"type":        "string",
					"description": "Hostname, IP address or CIDR range to scan",
				},
				"ports": map[string]interface{}{
					"type":        "string",
					"description": "Port specification, e.g. '22,80,443' or '1-1024'. Defaults to nmap's top 1000.",
				},
				"service_detection": map[string]interface{}{
					"type":        "boolean",
					"description": "Probe open ports for service and version info (-sV). Slower.",
				},
			},
			Required: []string{"target"},
		},
		Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			target, _ := params["target"].(string)
			target = strings.TrimSpace(target)
			if target == "" {
				return nil, fmt.Errorf("target is required")
			}
			if !targetRe.MatchString(target) {
				return nil, fmt.Errorf("invalid target: %q", target)
			}

			args := []string{"-Pn", "--open", "-oG", "-"}
			if spec, ok := params["ports"].(string); ok && spec != "" {
				if !portSpecRe.MatchString(spec) {
					return nil, fmt.Errorf("invalid port specification: %q", spec)
				}
				args = append(args, "-p", spec)
			}
			if sv, ok := params["service_detection"].(bool); ok && sv {
				args = append(args, "-sV")
			}

			logger.Info("starting sandboxed port scan", "target", target)
			out, err := runtime.Scan(ctx, target, args)
			if err != nil {
				return nil, fmt.Errorf("port scan failed: %w", err)
			}
			if strings.TrimSpace(out) == "" {
				return "Scan completed with no output (host may be down or fully filtered).", nil
			}
			return out, nil
		},
	}
}

// ParseGreppableScan extracts open-port observations from nmap's greppable
// output (-oG). Lines look like:
//
//	Host: 10.0.0.5 ()  Ports: 22/open/tcp//ssh//OpenSSH 8.9/, 80/open/tcp//http//nginx/
func ParseGreppableScan(out string) []domain.PortObservation {
	var obs []domain.PortObservation
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "Host:") || !strings.Contains(line, "Ports:") {
			continue
		}
		fields := strings.SplitN(line, "Ports:", 2)
		hostPart := strings.Fields(strings.TrimPrefix(fields[0], "Host:"))
		if len(hostPart) == 0 {
			continue
		}
		host := hostPart[0]

		for _, entry := range strings.Split(fields[1], ",") {
			parts := strings.Split(strings.TrimSpace(entry), "/")
			if len(parts) < 3 || parts[1] != "open" {
				continue
			}
			var port int
			if _, err := fmt.Sscanf(parts[0], "%d", &port); err != nil {
				continue
			}
			po := domain.PortObservation{Host: host, Port: port, Proto: parts[2]}
			if len(parts) > 4 {
				po.Service = parts[4]
			}
			if len(parts) > 6 {
				po.Banner = parts[6]
			}
			obs = append(obs, po)
		}
	}
	return obs
}
