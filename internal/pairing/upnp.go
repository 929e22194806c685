package pairing

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	ssdpAddress        = "239.255.255.250:1900"
	gatewaySearch      = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"
	wanIPService       = "urn:schemas-upnp-org:service:WANIPConnection:1"
	mappingDescription = "clipsync clipboard sync"

	soapTimeout = 10 * time.Second
)

// Gateway is the LAN's UPnP internet gateway. A port mapping on it makes
// the public address in a pairing payload actually reachable from outside
// the network.
type Gateway struct {
	controlURL string
	localIP    string
}

// DiscoverGateway locates the internet gateway with an SSDP search. Most
// home routers answer; networks without UPnP don't, and callers treat that
// as "no port mapping available".
func DiscoverGateway(timeout time.Duration) (*Gateway, error) {
	controlURL, err := searchGateway(timeout)
	if err != nil {
		return nil, err
	}

	localIP, err := outboundIP()
	if err != nil {
		return nil, fmt.Errorf("local address: %w", err)
	}

	return &Gateway{controlURL: controlURL, localIP: localIP}, nil
}

// MapPort asks the gateway to forward TCP traffic on port to this device,
// same port on both sides, until UnmapPort removes the rule.
func (g *Gateway) MapPort(port int) error {
	body := fmt.Sprintf(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body>
<u:AddPortMapping xmlns:u="%s">
<NewRemoteHost></NewRemoteHost>
<NewExternalPort>%d</NewExternalPort>
<NewProtocol>TCP</NewProtocol>
<NewInternalPort>%d</NewInternalPort>
<NewInternalClient>%s</NewInternalClient>
<NewEnabled>1</NewEnabled>
<NewPortMappingDescription>%s</NewPortMappingDescription>
<NewLeaseDuration>0</NewLeaseDuration>
</u:AddPortMapping>
</s:Body>
</s:Envelope>`, wanIPService, port, port, g.localIP, mappingDescription)

	return g.soap("AddPortMapping", body)
}

// UnmapPort removes a forwarding rule added by MapPort.
func (g *Gateway) UnmapPort(port int) error {
	body := fmt.Sprintf(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body>
<u:DeletePortMapping xmlns:u="%s">
<NewRemoteHost></NewRemoteHost>
<NewExternalPort>%d</NewExternalPort>
<NewProtocol>TCP</NewProtocol>
</u:DeletePortMapping>
</s:Body>
</s:Envelope>`, wanIPService, port)

	return g.soap("DeletePortMapping", body)
}

func (g *Gateway) soap(action string, body string) error {
	req, err := http.NewRequest(http.MethodPost, g.controlURL, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", fmt.Sprintf("%q", wanIPService+"#"+action))

	client := &http.Client{Timeout: soapTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway %s: %s", action, resp.Status)
	}
	return nil
}

// searchGateway sends an SSDP M-SEARCH and derives the SOAP control URL
// from the LOCATION header of the first answer.
func searchGateway(timeout time.Duration) (string, error) {
	addr, err := net.ResolveUDPAddr("udp4", ssdpAddress)
	if err != nil {
		return "", err
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return "", fmt.Errorf("ssdp socket: %w", err)
	}
	defer conn.Close()

	search := "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + ssdpAddress + "\r\n" +
		"ST: " + gatewaySearch + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 2\r\n\r\n"
	if _, err := conn.Write([]byte(search)); err != nil {
		return "", fmt.Errorf("ssdp search: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("no gateway answered: %w", err)
	}

	location := locationHeader(string(buf[:n]))
	if location == "" {
		return "", fmt.Errorf("gateway answer carries no location header")
	}
	return controlEndpoint(location)
}

func locationHeader(response string) string {
	for _, line := range strings.Split(response, "\r\n") {
		if len(line) > 9 && strings.EqualFold(line[:9], "LOCATION:") {
			return strings.TrimSpace(line[9:])
		}
	}
	return ""
}

// controlEndpoint reduces a device description URL to the conventional
// WANIPConn control path on the same host.
func controlEndpoint(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("bad gateway location %q", location)
	}
	return u.Scheme + "://" + u.Host + "/upnp/control/WANIPConn1", nil
}

// outboundIP finds the LAN address the gateway should forward to.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
