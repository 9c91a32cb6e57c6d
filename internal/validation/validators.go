// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package validation holds input validators shared by the config layer
// and the command line.
package validation

import (
	"net"
	"regexp"
	"strings"

	"grimm.is/sml/internal/errors"
)

var sessionHashRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// ValidateIPOrCIDR validates an IP address or CIDR range.
func ValidateIPOrCIDR(s string) error {
	if s == "" {
		return errors.New(errors.KindContract, "IP/CIDR cannot be empty")
	}

	if strings.Contains(s, "/") {
		if _, _, err := net.ParseCIDR(s); err != nil {
			return errors.Wrap(err, errors.KindContract, "invalid CIDR")
		}
		return nil
	}

	if net.ParseIP(s) == nil {
		return errors.Errorf(errors.KindContract, "invalid IP address: %s", s)
	}
	return nil
}

// ValidatePortNumber validates a port number.
func ValidatePortNumber(port int) error {
	if port < 1 || port > 65535 {
		return errors.Errorf(errors.KindContract, "invalid port number: %d (must be 1-65535)", port)
	}
	return nil
}

// ValidateProtocol validates a protocol name as it appears in IDS
// events and emitted rules.
func ValidateProtocol(proto string) error {
	validProtocols := []string{"tcp", "udp", "icmp", "icmpv6", "ip"}
	proto = strings.ToLower(proto)

	for _, valid := range validProtocols {
		if proto == valid {
			return nil
		}
	}

	return errors.Errorf(errors.KindContract, "invalid protocol: %s (must be one of: %s)",
		proto, strings.Join(validProtocols, ", "))
}

// ValidateSessionHash validates a training-session tag: 16 lowercase
// hex characters.
func ValidateSessionHash(s string) error {
	if !sessionHashRegex.MatchString(s) {
		return errors.Errorf(errors.KindContract, "invalid session hash: %q (must be 16 hex characters)", s)
	}
	return nil
}
