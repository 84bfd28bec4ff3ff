// Package doh resolves a relay's ECHConfigList over DNS-over-HTTPS: a
// type-65 (HTTPS) query, base64url-encoded into a GET against the
// configured DoH endpoint, with the first key=5 (ech) SvcParam of the
// first matching answer returned.
//
// This request must never be routed through the tunnel being
// established: NewResolver builds its own *http.Client whose transport
// uses no proxy and dials directly, and a caller that sets Client
// itself must give it a transport that bypasses the session manager's
// dialer in the same way.
package doh

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ech-tunnel/echtun/common/errors"
	"github.com/miekg/dns"
)

// DefaultTimeout bounds how long a DoH request may run.
const DefaultTimeout = 10 * time.Second

// Resolver queries ECHConfigList records over DoH.
type Resolver struct {
	// Client performs the HTTP GET. It must not be configured to dial
	// through this tunnel (see package doc).
	Client *http.Client
	// URL is the DoH endpoint, e.g. "https://cloudflare-dns.com/dns-query".
	URL string
}

// NewResolver builds a Resolver whose client never proxies and times
// out at DefaultTimeout.
func NewResolver(url string) *Resolver {
	return &Resolver{
		URL: url,
		Client: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				Proxy: nil, // this request must never loop back through the tunnel
			},
		},
	}
}

// QueryECHConfigList resolves domain's HTTPS RR and returns the raw
// ECHConfigList bytes carried in the first key=5 SvcParam found, or
// KindEchUnavailable if no answer or no ECH param exists.
func (r *Resolver) QueryECHConfigList(ctx context.Context, domain string) ([]byte, error) {
	m := new(dns.Msg)
	m.Id = 1
	m.RecursionDesired = true
	m.SetQuestion(dns.Fqdn(domain), dns.TypeHTTPS)

	packed, err := m.Pack()
	if err != nil {
		return nil, errors.New("failed to pack DoH query for ", domain).Base(err).
			AtKind(errors.KindEchUnavailable)
	}

	body, err := r.fetch(ctx, packed)
	if err != nil {
		return nil, err
	}

	respMsg := new(dns.Msg)
	if err := respMsg.Unpack(body); err != nil {
		return nil, errors.New("failed to unpack DoH response").Base(err).
			AtKind(errors.KindEchUnavailable)
	}

	if len(respMsg.Answer) == 0 {
		return nil, errors.New("DoH answer for ", domain, " has zero records").
			AtKind(errors.KindEchUnavailable)
	}

	for _, rr := range respMsg.Answer {
		https, ok := rr.(*dns.HTTPS)
		if !ok {
			continue
		}
		for _, v := range https.Value {
			if ech, ok := v.(*dns.SVCBECHConfig); ok && len(ech.ECH) > 0 {
				return ech.ECH, nil
			}
		}
	}

	return nil, errors.New("DoH answer for ", domain, " carried no ech SvcParam").
		AtKind(errors.KindEchUnavailable)
}

// QueryRaw forwards an already-packed DNS query to the configured DoH
// endpoint verbatim and returns the raw wire bytes of the answer, for
// queries dnsintercept has no synthetic answer for (anything besides
// A/AAAA/HTTPS).
func (r *Resolver) QueryRaw(ctx context.Context, query []byte) ([]byte, error) {
	return r.fetch(ctx, query)
}

// fetch performs the GET-with-base64url-query DoH exchange common to
// QueryECHConfigList and QueryRaw, returning the raw response body.
func (r *Resolver) fetch(ctx context.Context, packedQuery []byte) ([]byte, error) {
	b64 := base64.RawURLEncoding.EncodeToString(packedQuery)
	reqURL := fmt.Sprintf("%s?dns=%s", r.URL, b64)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.New("failed to build DoH request").Base(err).
			AtKind(errors.KindEchUnavailable)
	}
	req.Header.Set("Accept", "application/dns-message")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, errors.New("DoH request to ", r.URL, " failed").Base(err).
			AtKind(errors.KindEchUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("DoH server returned status ", resp.StatusCode).
			AtKind(errors.KindEchUnavailable)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.New("failed to read DoH response body").Base(err).
			AtKind(errors.KindEchUnavailable)
	}
	return body, nil
}
