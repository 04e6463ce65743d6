package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/miekg/dns"
)

// DoHHandlerFunc builds a DNS response for a decoded query. Returning a nil
// *dns.Msg causes the stub to reply with HTTP 500, for exercising
// UpstreamError paths.
type DoHHandlerFunc func(query *dns.Msg) *dns.Msg

// StartDoHStub starts an httptest.Server speaking the DoH POST contract
// (RFC 8484): request/response bodies are wire-format DNS messages framed
// by application/dns-message.
func StartDoHStub(t *testing.T, handler DoHHandlerFunc) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		query := new(dns.Msg)
		if err := query.Unpack(body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		resp := handler(query)
		if resp == nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		wire, err := resp.Pack()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/dns-message")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(wire)
	}))
	t.Cleanup(srv.Close)
	return srv
}
