package pairing

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
)

// DefaultSTUNServer answers binding requests for devices behind NAT.
const DefaultSTUNServer = "stun.l.google.com:19302"

const stunRetries = 3

// PublicAddress asks a STUN server for this device's externally visible
// address, for pairing payloads that must cross a NAT boundary. Callers
// fall back to the local address when it fails.
func PublicAddress(server string, timeout time.Duration) (net.IP, int, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, 0, fmt.Errorf("stun socket: %w", err)
	}
	defer conn.Close()

	stunAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve stun server: %w", err)
	}

	request := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	buf := make([]byte, 1024)

	for i := 0; i < stunRetries; i++ {
		conn.SetWriteDeadline(time.Now().Add(timeout))
		if _, err := conn.WriteToUDP(request.Raw, stunAddr); err != nil {
			continue
		}

		conn.SetReadDeadline(time.Now().Add(timeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		ip, port, err := parseBinding(buf[:n])
		if err == nil {
			return ip, port, nil
		}
	}

	return nil, 0, fmt.Errorf("no stun response from %s after %d attempts", server, stunRetries)
}

func parseBinding(data []byte) (net.IP, int, error) {
	msg := &stun.Message{Raw: data}
	if err := msg.Decode(); err != nil {
		return nil, 0, fmt.Errorf("decode stun response: %w", err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(msg); err == nil {
		return xorAddr.IP, xorAddr.Port, nil
	}

	var mapped stun.MappedAddress
	if err := mapped.GetFrom(msg); err != nil {
		return nil, 0, fmt.Errorf("stun response carries no address")
	}
	return mapped.IP, mapped.Port, nil
}
