// Package pki holds the stateless codecs of the issuance engine:
// distinguished names, key and signature algorithms, serial numbers,
// certificates, certificate requests and revocation lists.
//
// Every function is pure and safe for concurrent use. Errors match one of
// ErrValidation, ErrFormat or ErrStateInvariant through errors.Is;
// signature verification reports false instead of failing.
package pki
