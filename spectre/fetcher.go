/*
 * Copyright (c) 2025, Spectre Labs.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package spectre

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
)

const (
	fetchTimeout = 15 * time.Second

	// maxFetchBodyLength bounds list downloads; the largest public feeds
	// are well under this.
	maxFetchBodyLength = 16 * 1024 * 1024
)

// fetchBody performs a rate-limited GET. HTTPS requests handshake with a
// Chrome ClientHello so list retrieval does not advertise a crawler TLS
// fingerprint; ALPN is honored, speaking HTTP/2 when the server selects
// it.
func (r *RemoteProxyList) fetchBody(
	ctx context.Context, urlStr string) ([]byte, error) {

	err := r.limiter.Wait(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return nil, errors.Trace(err)
	}

	request, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	request.Header.Set("User-Agent", scraperUserAgent)

	var response *http.Response
	var closeConn func()
	if parsedURL.Scheme == "https" {
		response, closeConn, err = roundTripUTLS(ctx, request, parsedURL)
	} else {
		client := &http.Client{Timeout: fetchTimeout}
		response, err = client.Do(request)
		if err == nil {
			closeConn = func() {}
		}
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer closeConn()
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, errors.Tracef("status %d", response.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxFetchBodyLength))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return body, nil
}

// roundTripUTLS dials the target, performs a utls handshake with
// HelloChrome_Auto, and issues the request over the protocol ALPN
// selected. The caller must invoke the returned close function after
// draining the response body.
func roundTripUTLS(
	ctx context.Context,
	request *http.Request,
	parsedURL *url.URL) (*http.Response, func(), error) {

	host := parsedURL.Hostname()
	port := parsedURL.Port()
	if port == "" {
		port = "443"
	}

	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	tlsConn := utls.UClient(
		rawConn, &utls.Config{ServerName: host}, utls.HelloChrome_Auto)

	if deadline, ok := ctx.Deadline(); ok {
		_ = tlsConn.SetDeadline(deadline)
	}

	err = tlsConn.Handshake()
	if err != nil {
		tlsConn.Close()
		return nil, nil, errors.Trace(err)
	}

	closeConn := func() { tlsConn.Close() }

	var response *http.Response
	if tlsConn.ConnectionState().NegotiatedProtocol == "h2" {
		transport := &http2.Transport{}
		clientConn, err := transport.NewClientConn(tlsConn)
		if err != nil {
			closeConn()
			return nil, nil, errors.Trace(err)
		}
		response, err = clientConn.RoundTrip(request)
		if err != nil {
			closeConn()
			return nil, nil, errors.Trace(err)
		}
	} else {
		err = request.Write(tlsConn)
		if err != nil {
			closeConn()
			return nil, nil, errors.Trace(err)
		}
		response, err = http.ReadResponse(bufio.NewReader(tlsConn), request)
		if err != nil {
			closeConn()
			return nil, nil, errors.Trace(err)
		}
	}

	return response, closeConn, nil
}
