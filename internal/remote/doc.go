// Package remote is the HTTP client for the code-review service's REST API.
//
// Responses are JSON prefixed with the anti-XSSI marker ")]}'", which is
// stripped before the body is handed back as json.RawMessage. Requests are
// authenticated with HTTP Basic or Digest and sent under the "a/" prefix.
//
// Failure classes:
//
//   - Transport failures (dial, TLS, reset, timeout) wrap ErrUnavailable.
//   - A GET answered with an error status is logged and returns (nil, nil).
//     502/503/504 are retried a bounded number of times first.
//   - A write answered with an error status returns *HTTPError.
//   - A body that is not JSON is logged and returns (nil, nil).
package remote
