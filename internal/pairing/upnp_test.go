package pairing

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocationHeader(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\n" +
		"CACHE-CONTROL: max-age=120\r\n" +
		"LOCATION: http://192.168.1.1:5000/rootDesc.xml\r\n" +
		"ST: urn:schemas-upnp-org:device:InternetGatewayDevice:1\r\n\r\n"
	assert.Equal(t, "http://192.168.1.1:5000/rootDesc.xml", locationHeader(response))

	lowercase := "HTTP/1.1 200 OK\r\nlocation:   http://10.0.0.1/desc.xml\r\n\r\n"
	assert.Equal(t, "http://10.0.0.1/desc.xml", locationHeader(lowercase))

	assert.Equal(t, "", locationHeader("HTTP/1.1 200 OK\r\nST: something\r\n\r\n"))
}

func TestControlEndpoint(t *testing.T) {
	endpoint, err := controlEndpoint("http://192.168.1.1:5000/rootDesc.xml")
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.1:5000/upnp/control/WANIPConn1", endpoint)

	_, err = controlEndpoint("not a url at all")
	assert.Error(t, err)
}

func TestMapAndUnmapPort(t *testing.T) {
	var actions []string
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		actions = append(actions, r.Header.Get("SOAPAction"))
		bodies = append(bodies, string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := &Gateway{controlURL: srv.URL, localIP: "192.168.1.50"}

	require.NoError(t, gw.MapPort(8765))
	require.NoError(t, gw.UnmapPort(8765))

	require.Len(t, actions, 2)
	assert.Contains(t, actions[0], "AddPortMapping")
	assert.Contains(t, actions[1], "DeletePortMapping")
	assert.Contains(t, bodies[0], "<NewExternalPort>8765</NewExternalPort>")
	assert.Contains(t, bodies[0], "<NewInternalClient>192.168.1.50</NewInternalClient>")
	assert.Contains(t, bodies[0], "<NewProtocol>TCP</NewProtocol>")
	assert.Contains(t, bodies[1], "<NewExternalPort>8765</NewExternalPort>")
}

func TestMapPortGatewayRefuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gw := &Gateway{controlURL: srv.URL, localIP: "192.168.1.50"}
	assert.Error(t, gw.MapPort(8765))
}

func TestDiscoverGateway(t *testing.T) {
	gw, err := DiscoverGateway(500 * time.Millisecond)
	if err != nil {
		t.Skipf("no UPnP gateway on this network: %v", err)
	}
	assert.NotEmpty(t, gw.controlURL)
	assert.NotEmpty(t, gw.localIP)
}
