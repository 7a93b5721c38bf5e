package verity

import (
	"strconv"
	"strings"
)

// parseKeyringID finds a keyring by description in the contents of /proc/keys.
// Lines look like
//
//	1a2b3c4d I------     1 perm 1f0b0000     0     0 keyring   .fs-verity: empty
func parseKeyringID(procKeys, name string) (int, bool) {
	for _, line := range strings.Split(procKeys, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 9 || fields[7] != "keyring" {
			continue
		}
		if strings.TrimSuffix(fields[8], ":") != name {
			continue
		}
		id, err := strconv.ParseInt(fields[0], 16, 32)
		if err != nil {
			continue
		}
		return int(id), true
	}
	return 0, false
}
