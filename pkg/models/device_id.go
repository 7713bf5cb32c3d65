package models

import "strconv"

// DeviceNumericID maps an application device id string onto the small
// positive integer the wire protocol addresses devices by. The mapping takes
// the last six hex characters of the id, parsed base-16; an id with no hex
// characters, or one whose hex suffix parses to zero, maps to 1.
//
// Provisioning and session addressing both go through this function; the two
// sides must agree or sessions key against the wrong peer address.
func DeviceNumericID(deviceID string) uint32 {
	hex := make([]byte, 0, len(deviceID))
	for i := 0; i < len(deviceID); i++ {
		c := deviceID[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
			hex = append(hex, c)
		case c >= 'A' && c <= 'F':
			hex = append(hex, c+('a'-'A'))
		}
	}
	if len(hex) == 0 {
		return 1
	}
	if len(hex) > 6 {
		hex = hex[len(hex)-6:]
	}
	n, err := strconv.ParseUint(string(hex), 16, 32)
	if err != nil || n == 0 {
		return 1
	}
	return uint32(n)
}
