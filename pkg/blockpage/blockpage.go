// Package blockpage recognizes answers that were already blocked upstream:
// some resolvers substitute a well-known block-page address instead of the
// real record, and those answers must be attributed to the upstream filter
// rather than to the local lists.
package blockpage

import (
	"errors"
	"fmt"
	"net/netip"
)

// maxSentinels bounds each family's registry.
const maxSentinels = 12

var (
	// ErrRegistryFull is returned when a family's registry holds
	// maxSentinels entries
	ErrRegistryFull = errors.New("sentinel registry is full")

	// ErrInvalidFamily is returned for a family other than 4 or 6
	ErrInvalidFamily = errors.New("invalid address family")

	// ErrInvalidAddress is returned when the address does not parse for
	// the given family
	ErrInvalidAddress = errors.New("invalid address")
)

// Detector is a fixed-capacity, append-only registry of known block-page
// addresses, one list per address family. Matching is by exact textual
// comparison against the upstream-returned answer address.
type Detector struct {
	v4 []string
	v6 []string
}

// NewDetector returns a registry pre-seeded with the zero addresses (an
// upstream answering 0.0.0.0 or :: filtered the reply, nothing is
// reachable there) and the Cisco Umbrella (OpenDNS) block-page addresses
// in both the v4 and the v4-mapped v6 form.
func NewDetector() *Detector {
	d := &Detector{
		v4: make([]string, 0, maxSentinels),
		v6: make([]string, 0, maxSentinels),
	}

	seed := func(addr string, family int) {
		// Seeds are well-formed and fit the capacity.
		_ = d.Register(addr, family)
	}

	seed("0.0.0.0", 4)
	seed("::", 6)

	// Cisco Umbrella block pages, one address per block category:
	// domain list, command-and-control callback, content category,
	// malware, phishing, suspicious response, security integrations.
	for _, v4 := range []string{
		"146.112.61.104",
		"146.112.61.105",
		"146.112.61.106",
		"146.112.61.107",
		"146.112.61.108",
		"146.112.61.109",
		"146.112.61.110",
	} {
		seed(v4, 4)
		seed("::ffff:"+v4, 6)
	}

	return d
}

// Register validates the address for the family and appends it to that
// family's registry. A full registry fails the call and stays unchanged.
func (d *Detector) Register(addr string, family int) error {
	list, err := d.list(family)
	if err != nil {
		return err
	}

	parsed, err := netip.ParseAddr(addr)
	if err != nil {
		return fmt.Errorf("%w: %q is not a valid IPv%d address", ErrInvalidAddress, addr, family)
	}
	switch family {
	case 4:
		if !parsed.Is4() {
			return fmt.Errorf("%w: %q is not a valid IPv4 address", ErrInvalidAddress, addr)
		}
	case 6:
		if parsed.Is4() {
			return fmt.Errorf("%w: %q is not a valid IPv6 address", ErrInvalidAddress, addr)
		}
	}

	if len(*list) >= maxSentinels {
		return ErrRegistryFull
	}

	*list = append(*list, addr)
	return nil
}

// IsSentinel reports whether the address is a registered block-page
// sentinel of the given family. Invalid input and unknown families report
// false rather than failing. Both families are matched symmetrically.
func (d *Detector) IsSentinel(addr string, family int) bool {
	if addr == "" {
		return false
	}
	list, err := d.list(family)
	if err != nil {
		return false
	}

	for _, entry := range *list {
		if entry == addr {
			return true
		}
	}
	return false
}

func (d *Detector) list(family int) (*[]string, error) {
	switch family {
	case 4:
		return &d.v4, nil
	case 6:
		return &d.v6, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidFamily, family)
	}
}
