package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strings"
)

// machineIDPaths are checked in order for a stable platform UUID. Not all
// are present on every system; the first readable one wins.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
	"/sys/class/dmi/id/product_uuid",
}

// HardwareFingerprint computes a stable hash over hostname, CPU
// architecture, and a platform UUID when one can be read. Nodes without a
// readable platform UUID still get a deterministic fingerprint from
// hostname+architecture alone, per the spec's "if available" qualifier.
func HardwareFingerprint() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}

	h := sha256.New()
	h.Write([]byte(host))
	h.Write([]byte{0})
	h.Write([]byte(runtime.GOARCH))
	h.Write([]byte{0})
	if uuid := readMachineID(); uuid != "" {
		h.Write([]byte(uuid))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readMachineID() string {
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		s := strings.TrimSpace(string(data))
		if s != "" {
			return s
		}
	}
	return ""
}
