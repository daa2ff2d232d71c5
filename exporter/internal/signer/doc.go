// Package signer produces HMAC-SHA256 request signatures for the AFS storage
// API gateway.
//
// The canonical string is one "name: value" line per signed header, joined by
// "\n". Supported header names:
//   - x-date        RFC1123 GMT timestamp, always signed
//   - request-line  "<METHOD> <path>[?<sorted query>] HTTP/1.1"
//   - digest        "SHA-256=<base64 sha256(body)>", signed whenever a body is present
//
// Sign is a pure function of its inputs: the same method, path, query, body,
// timestamp and credentials always produce the same headers. The secret key is
// only ever used as the HMAC key and never appears in any output; Credentials
// formats itself with the secret redacted.
package signer
