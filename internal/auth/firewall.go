package auth

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// FirewallRule exempts matching callers from token and signature checks.
type FirewallRule struct {
	Nets     []*net.IPNet
	Channels map[string]struct{}
}

// Firewall holds exception rules by code.
type Firewall struct {
	rules          map[string]FirewallRule
	trustedProxies []*net.IPNet
}

// RuleSpec is the uncompiled form of a FirewallRule.
type RuleSpec struct {
	CIDRs    []string
	Channels []string
}

// NewFirewall compiles rules. trustedProxies lists proxies allowed to report
// the caller address through forwarding headers.
func NewFirewall(rules map[string]RuleSpec, trustedProxies []string) (*Firewall, error) {
	fw := &Firewall{rules: make(map[string]FirewallRule, len(rules))}

	for code, spec := range rules {
		nets, invalid := parseCIDRs(spec.CIDRs)
		if len(invalid) > 0 {
			return nil, fmt.Errorf("firewall rule %q: invalid cidr %q", code, invalid[0])
		}
		rule := FirewallRule{Nets: nets, Channels: make(map[string]struct{}, len(spec.Channels))}
		for _, ch := range spec.Channels {
			rule.Channels[strings.TrimSpace(ch)] = struct{}{}
		}
		fw.rules[code] = rule
	}

	trusted, invalid := parseCIDRs(trustedProxies)
	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid trusted proxy %q", invalid[0])
	}
	fw.trustedProxies = trusted
	return fw, nil
}

// Has reports whether code names a rule.
func (f *Firewall) Has(code string) bool {
	_, ok := f.rules[code]
	return ok
}

// Allows reports whether the caller matches rule code by address or channel.
func (f *Firewall) Allows(code string, clientIP string, channel string) bool {
	if f == nil || code == "" {
		return false
	}
	rule, ok := f.rules[code]
	if !ok {
		return false
	}
	if channel != "" {
		if _, ok := rule.Channels[channel]; ok {
			return true
		}
	}
	return ipInNets(parseIP(clientIP), rule.Nets)
}

// ClientIP returns the caller address. Forwarding headers are honored only
// when the direct peer is a trusted proxy.
func (f *Firewall) ClientIP(r *http.Request) string {
	var trusted []*net.IPNet
	if f != nil {
		trusted = f.trustedProxies
	}
	return clientIP(r, trusted)
}

func clientIP(r *http.Request, trustedProxies []*net.IPNet) string {
	if r == nil {
		return ""
	}
	remoteHost := remoteAddrHost(r.RemoteAddr)
	if remoteHost == "" {
		return ""
	}
	if len(trustedProxies) == 0 {
		return remoteHost
	}
	remoteIP := parseIP(remoteHost)
	if remoteIP == nil || !ipInNets(remoteIP, trustedProxies) {
		return remoteHost
	}
	if ip := selectClientIP(parseForwardedFor(r.Header.Get("Forwarded")), trustedProxies); ip != "" {
		return ip
	}
	if ip := selectClientIP(parseXForwardedFor(r.Header.Get("X-Forwarded-For")), trustedProxies); ip != "" {
		return ip
	}
	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != nil {
		return ip.String()
	}
	return remoteHost
}

func remoteAddrHost(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err == nil && host != "" {
		return host
	}
	return addr
}

// selectClientIP walks the chain right to left and returns the first hop that
// is not a trusted proxy.
func selectClientIP(ips []net.IP, trustedProxies []*net.IPNet) string {
	for i := len(ips) - 1; i >= 0; i-- {
		if ip := normalizeIP(ips[i]); ip != nil && !ipInNets(ip, trustedProxies) {
			return ip.String()
		}
	}
	if len(ips) > 0 {
		if ip := normalizeIP(ips[0]); ip != nil {
			return ip.String()
		}
	}
	return ""
}

func parseForwardedFor(header string) []net.IP {
	if header == "" {
		return nil
	}
	var ips []net.IP
	for _, part := range strings.Split(header, ",") {
		for _, param := range strings.Split(part, ";") {
			param = strings.TrimSpace(param)
			if len(param) < 4 || !strings.EqualFold(param[:4], "for=") {
				continue
			}
			if ip := parseForwardedForValue(param[4:]); ip != nil {
				ips = append(ips, ip)
			}
		}
	}
	return ips
}

func parseXForwardedFor(header string) []net.IP {
	if header == "" {
		return nil
	}
	var ips []net.IP
	for _, part := range strings.Split(header, ",") {
		if ip := parseIP(part); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}

func parseForwardedForValue(value string) net.IP {
	value = strings.Trim(strings.TrimSpace(value), "\"")
	if value == "" || strings.EqualFold(value, "unknown") {
		return nil
	}
	if strings.HasPrefix(value, "[") {
		if idx := strings.Index(value, "]"); idx != -1 {
			return parseIP(value[1:idx])
		}
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		return parseIP(host)
	}
	return parseIP(value)
}

func parseIP(value string) net.IP {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if idx := strings.IndexByte(value, '%'); idx != -1 {
		value = value[:idx]
	}
	return normalizeIP(net.ParseIP(value))
}

func normalizeIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	return ip
}

func ipInNets(ip net.IP, nets []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, ipNet := range nets {
		if ipNet != nil && ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// parseCIDRs accepts CIDRs and bare addresses.
func parseCIDRs(values []string) ([]*net.IPNet, []string) {
	var nets []*net.IPNet
	var invalid []string
	for _, value := range values {
		value = strings.TrimSpace(value)
		if strings.Contains(value, "/") {
			_, ipNet, err := net.ParseCIDR(value)
			if err != nil {
				invalid = append(invalid, value)
				continue
			}
			nets = append(nets, ipNet)
			continue
		}
		ip := normalizeIP(net.ParseIP(value))
		if ip == nil {
			invalid = append(invalid, value)
			continue
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, invalid
}
