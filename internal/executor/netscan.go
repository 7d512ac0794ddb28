package executor

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"time"
)

// DiscoveredDevice is one device found by a network scan.
type DiscoveredDevice struct {
	Hostname    string `json:"hostname,omitempty"`
	TailscaleIP string `json:"tailscale_ip,omitempty"`
	LanIP       string `json:"lan_ip,omitempty"`
	MAC         string `json:"mac,omitempty"`
	OS          string `json:"os,omitempty"`
	Online      bool   `json:"online"`
}

// ScanReport is the result of a network scan.
type ScanReport struct {
	Source         string             `json:"source"` // "tailscale", "arp" or "none"
	Devices        []DiscoveredDevice `json:"devices"`
	DefaultSSHUser string             `json:"default_ssh_user"`
}

// tailscaleStatus is the subset of `tailscale status --json` the scanner
// reads.
type tsStatus struct {
	Self struct {
		HostName string `json:"HostName"`
	} `json:"Self"`
	Peer map[string]tsPeer `json:"Peer"`
}

type tsPeer struct {
	HostName     string   `json:"HostName"`
	DNSName      string   `json:"DNSName"`
	OS           string   `json:"OS"`
	TailscaleIPs []string `json:"TailscaleIPs"`
	CurAddr      string   `json:"CurAddr"`
	Online       bool     `json:"Online"`
}

// ScanNetwork discovers devices on the network, preferring the Tailscale
// peer list and falling back to the ARP cache.
func (s *System) ScanNetwork(ctx context.Context) (*ScanReport, error) {
	report := &ScanReport{
		Source:         "none",
		DefaultSSHUser: defaultSSHUser(),
	}

	if status, ok := s.tailscaleStatus(ctx); ok {
		report.Source = "tailscale"

		// Ping online peers so their LAN addresses land in the ARP cache,
		// then re-read the peer list; CurAddr may be populated by now.
		for _, peer := range status.Peer {
			if peer.Online && len(peer.TailscaleIPs) > 0 {
				pingCtx, cancel := context.WithTimeout(ctx, time.Second)
				s.run(pingCtx, "ping", "-c", "1", "-W", "1", peer.TailscaleIPs[0])
				cancel()
			}
		}
		if refreshed, ok := s.tailscaleStatus(ctx); ok {
			status = refreshed
		}

		arp := readARPCache()
		for _, peer := range status.Peer {
			dev, ok := peerDevice(peer, status.Self.HostName, arp)
			if ok {
				report.Devices = append(report.Devices, dev)
			}
		}
		sort.Slice(report.Devices, func(i, j int) bool {
			return report.Devices[i].Hostname < report.Devices[j].Hostname
		})
		return report, nil
	}

	if arp := readARPCache(); len(arp) > 0 {
		report.Source = "arp"
		ips := make([]string, 0, len(arp))
		for ip := range arp {
			ips = append(ips, ip)
		}
		sort.Strings(ips)
		for _, ip := range ips {
			report.Devices = append(report.Devices, DiscoveredDevice{
				LanIP:  ip,
				MAC:    arp[ip],
				Online: true,
			})
		}
	}
	return report, nil
}

func (s *System) tailscaleStatus(ctx context.Context) (*tsStatus, bool) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := s.run(ctx, "tailscale", "status", "--json")
	if err != nil || !result.Ok() {
		return nil, false
	}
	var status tsStatus
	if err := json.Unmarshal([]byte(result.Stdout), &status); err != nil {
		s.logger.Debug("parsing tailscale status", "error", err)
		return nil, false
	}
	return &status, true
}

// peerDevice converts a Tailscale peer into a discovered device, skipping
// the local node and peers with no usable hostname.
func peerDevice(peer tsPeer, selfHost string, arp map[string]string) (DiscoveredDevice, bool) {
	hostname := peer.HostName
	if hostname == "" || hostname == "localhost" {
		hostname, _, _ = strings.Cut(peer.DNSName, ".")
	}
	if hostname == "" || hostname == selfHost {
		return DiscoveredDevice{}, false
	}

	dev := DiscoveredDevice{
		Hostname: hostname,
		OS:       strings.ToLower(peer.OS),
		Online:   peer.Online,
	}
	for _, ip := range peer.TailscaleIPs {
		if strings.HasPrefix(ip, "100.") {
			dev.TailscaleIP = ip
			break
		}
	}
	if lan, ok := lanIPFromCurAddr(peer.CurAddr); ok {
		dev.LanIP = lan
		dev.MAC = arp[lan]
	}
	return dev, true
}

// lanIPFromCurAddr extracts a LAN IP from a Tailscale CurAddr of the form
// "192.168.1.5:41641". Tailnet and IPv6 addresses are rejected.
func lanIPFromCurAddr(curAddr string) (string, bool) {
	if curAddr == "" || strings.HasPrefix(curAddr, "100.") || strings.HasPrefix(curAddr, "[") {
		return "", false
	}
	ip := curAddr
	if i := strings.LastIndex(curAddr, ":"); i >= 0 {
		ip = curAddr[:i]
	}
	if ip == "" || strings.HasPrefix(ip, "100.") || ip[0] < '0' || ip[0] > '9' {
		return "", false
	}
	return ip, true
}

// readARPCache returns complete (flag 0x2) ARP entries as an IP to MAC map.
func readARPCache() map[string]string {
	data, err := os.ReadFile("/proc/net/arp")
	if err != nil {
		return nil
	}
	return parseARPCache(string(data))
}

func parseARPCache(contents string) map[string]string {
	cache := map[string]string{}
	lines := strings.Split(contents, "\n")
	if len(lines) < 2 {
		return cache
	}
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[2] != "0x2" {
			continue
		}
		if fields[3] == "00:00:00:00:00:00" {
			continue
		}
		cache[fields[0]] = fields[3]
	}
	return cache
}

// defaultSSHUser guesses a default SSH username from /home, falling back to
// root.
func defaultSSHUser() string {
	entries, err := os.ReadDir("/home")
	if err != nil {
		return "root"
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "root"
	}
	sort.Strings(names)
	return names[0]
}
