package executor

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

const wolPort = 9

// BuildMagicPacket constructs a wake-on-LAN magic packet for a MAC address
// given with ":" or "-" separators: six 0xFF bytes followed by the MAC
// repeated sixteen times.
func BuildMagicPacket(mac string) ([]byte, error) {
	cleaned := strings.NewReplacer(":", "", "-", "").Replace(mac)
	hw, err := hex.DecodeString(cleaned)
	if err != nil || len(hw) != 6 {
		return nil, fmt.Errorf("invalid MAC address %q", mac)
	}

	packet := make([]byte, 0, 102)
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xff)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, hw...)
	}
	return packet, nil
}

// WakeOnLAN broadcasts a magic packet for the MAC address. An empty
// broadcast address falls back to the limited broadcast.
func (s *System) WakeOnLAN(mac, broadcast string) error {
	packet, err := BuildMagicPacket(mac)
	if err != nil {
		return err
	}
	if broadcast == "" {
		broadcast = "255.255.255.255"
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", broadcast, wolPort))
	if err != nil {
		return fmt.Errorf("resolving broadcast address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("opening UDP socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(packet); err != nil {
		return fmt.Errorf("sending magic packet: %w", err)
	}
	s.logger.Info("sent wake-on-LAN packet", "mac", mac, "broadcast", broadcast)
	return nil
}
