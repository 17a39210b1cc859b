package codec

import (
	"io"
	"net"
	"net/http"
	"testing"

	"golang.org/x/net/http2"
)

func TestHTTP2ServesStreams(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	go NewHTTP2(Options{}).Serve(server, testCtxFactory(), okStage("hi"))

	tr := &http2.Transport{AllowHTTP: true}
	cc, err := tr.NewClientConn(client)
	if err != nil {
		t.Fatal(err)
	}
	defer cc.Close()

	for i := 0; i < 2; i++ {
		req, err := http.NewRequest(http.MethodGet, "http://relay/x", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := cc.RoundTrip(req)
		if err != nil {
			t.Fatalf("stream %d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(body) != "hi" {
			t.Fatalf("stream %d: status %d body %q", i, resp.StatusCode, body)
		}
	}
}
