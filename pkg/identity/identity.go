// Package identity persists the device identity (UUID client id plus a
// MAC-derived serial) and a sealed session-token cache. The conversation core
// consumes these; provisioning them is the activation collaborator's job.
package identity

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// Device is the persisted identity presented to the server.
type Device struct {
	// ClientID is a stable UUID generated on first run.
	ClientID string
	// Serial is derived from the primary interface MAC address.
	Serial string
	// MAC is the raw hardware address, used as the Device-Id header.
	MAC string
}

// deriveMAC returns the first non-loopback hardware address.
func deriveMAC() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("identity: list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", fmt.Errorf("identity: no usable network interface")
}

// newDevice generates a fresh identity.
func newDevice() (*Device, error) {
	mac, err := deriveMAC()
	if err != nil {
		return nil, err
	}
	return &Device{
		ClientID: uuid.NewString(),
		Serial:   serialFromMAC(mac),
		MAC:      mac,
	}, nil
}

// serialFromMAC folds the MAC address into the device serial format.
func serialFromMAC(mac string) string {
	return "SN-" + strings.ToUpper(strings.ReplaceAll(mac, ":", ""))
}
