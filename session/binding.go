package session

import (
	"fmt"
	"net/netip"
)

// Binding is the IP binding policy applied on validation.
type Binding string

const (
	// BindExact requires the presented IP to equal the bound IP.
	BindExact Binding = "exact"
	// BindPrefix requires the same /24 (IPv4) or /64 (IPv6) network.
	BindPrefix Binding = "prefix"
	// BindOff disables IP binding.
	BindOff Binding = "off"
)

// ParseBinding validates a policy name.
func ParseBinding(s string) (Binding, error) {
	switch b := Binding(s); b {
	case BindExact, BindPrefix, BindOff:
		return b, nil
	case "":
		return BindExact, nil
	default:
		return "", fmt.Errorf("unknown ip binding policy %q", s)
	}
}

// Matches reports whether presented satisfies the policy for bound.
// Addresses that do not parse (including UnknownIP) only match themselves.
func (b Binding) Matches(bound, presented string) bool {
	switch b {
	case BindOff:
		return true
	case BindPrefix:
		ba, err1 := netip.ParseAddr(bound)
		pa, err2 := netip.ParseAddr(presented)
		if err1 != nil || err2 != nil {
			return bound == presented
		}
		ba, pa = ba.Unmap(), pa.Unmap()
		if ba.Is4() != pa.Is4() {
			return false
		}
		bits := 64
		if ba.Is4() {
			bits = 24
		}
		bp, err1 := ba.Prefix(bits)
		pp, err2 := pa.Prefix(bits)
		return err1 == nil && err2 == nil && bp == pp
	default:
		return bound == presented
	}
}
