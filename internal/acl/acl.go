// Package acl implements a simple allow/deny network list for deciding
// whether a client's query is entertained at all, ahead of rate limiting,
// caching, or resolution.
package acl

import (
	"net"
	"sync"
)

// ACL is an access control list: a deny list, an allow list, and a default
// policy applied when neither list matches.
type ACL struct {
	mu           sync.RWMutex
	allowedNets  []*net.IPNet
	deniedNets   []*net.IPNet
	defaultAllow bool
}

// New creates an ACL with the given default policy. If defaultAllow is
// true, clients are allowed unless explicitly denied; if false, clients
// are denied unless explicitly allowed.
func New(defaultAllow bool) *ACL {
	return &ACL{defaultAllow: defaultAllow}
}

func parseNet(cidrOrIP string) (*net.IPNet, error) {
	_, ipnet, err := net.ParseCIDR(cidrOrIP)
	if err == nil {
		return ipnet, nil
	}
	ip := net.ParseIP(cidrOrIP)
	if ip == nil {
		return nil, err
	}
	if ip4 := ip.To4(); ip4 != nil {
		return &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
}

// AllowNet adds a network (CIDR or single IP) to the allow list.
func (a *ACL) AllowNet(cidr string) error {
	ipnet, err := parseNet(cidr)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.allowedNets = append(a.allowedNets, ipnet)
	a.mu.Unlock()
	return nil
}

// DenyNet adds a network (CIDR or single IP) to the deny list.
func (a *ACL) DenyNet(cidr string) error {
	ipnet, err := parseNet(cidr)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.deniedNets = append(a.deniedNets, ipnet)
	a.mu.Unlock()
	return nil
}

// IsAllowed reports whether ip may query at all. Evaluation order: deny
// list first (explicit deny always wins), then allow list, then the
// default policy.
func (a *ACL) IsAllowed(ip net.IP) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, denied := range a.deniedNets {
		if denied.Contains(ip) {
			return false
		}
	}
	for _, allowed := range a.allowedNets {
		if allowed.Contains(ip) {
			return true
		}
	}
	return a.defaultAllow
}

// IsAllowedString parses ipStr and calls IsAllowed; an unparsable string is
// never allowed.
func (a *ACL) IsAllowedString(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	return a.IsAllowed(ip)
}

// Clear removes all allow/deny entries, leaving only the default policy.
func (a *ACL) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowedNets = nil
	a.deniedNets = nil
}
