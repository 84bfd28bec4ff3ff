package dnsintercept

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ech-tunnel/echtun/doh"
	"github.com/ech-tunnel/echtun/fakedns"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnswerAReturnsFakeIP(t *testing.T) {
	i := NewInterceptor(fakedns.NewPool())

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	resp := i.Answer(req)
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.True(t, fakedns.IsFakeIPv4(a.A))
	assert.EqualValues(t, 1, a.Hdr.Ttl)
}

func TestAnswerHTTPSReturnsNoerrorZeroAnswers(t *testing.T) {
	i := NewInterceptor(fakedns.NewPool())

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeHTTPS)

	resp := i.Answer(req)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

func TestAnswerOtherTypeReturnsNXDomain(t *testing.T) {
	i := NewInterceptor(fakedns.NewPool())

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeMX)

	resp := i.Answer(req)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
}

func TestHandleForwardsUnhandledTypeToDoH(t *testing.T) {
	mx := new(dns.Msg)
	mx.SetQuestion("example.com.", dns.TypeMX)
	mx.Response = true
	mx.Answer = append(mx.Answer, &dns.MX{
		Hdr:        dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: 300},
		Preference: 10,
		Mx:         "mail.example.com.",
	})
	wire, err := mx.Pack()
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(wire)
	}))
	defer server.Close()

	i := NewInterceptor(fakedns.NewPool())
	i.Forward = doh.NewResolver(server.URL)

	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeMX)
	packed, err := query.Pack()
	require.NoError(t, err)

	respBytes, err := i.Handle(packed)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(respBytes))
	require.Len(t, resp.Answer, 1)
	mxAnswer, ok := resp.Answer[0].(*dns.MX)
	require.True(t, ok)
	assert.Equal(t, "mail.example.com.", mxAnswer.Mx)
}

func TestHandleFallsBackToNXDomainWhenForwardFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	i := NewInterceptor(fakedns.NewPool())
	i.Forward = doh.NewResolver(server.URL)

	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeMX)
	packed, err := query.Pack()
	require.NoError(t, err)

	respBytes, err := i.Handle(packed)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(respBytes))
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
}

func TestResolveDestinationRoundTrips(t *testing.T) {
	pool := fakedns.NewPool()
	i := NewInterceptor(pool)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	resp := i.Answer(req)
	a := resp.Answer[0].(*dns.A)

	domain, ok := i.ResolveDestination(a.A)
	require.True(t, ok)
	assert.Equal(t, "example.com", domain)
}
