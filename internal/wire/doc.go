// Package wire defines the message taxonomy exchanged between authoritative
// and replica nodes, and the textual codec that converts each variant to and
// from its wire form.
//
// The package is organized around four abstract kinds, matching the
// request/reply, publish/subscribe and push/pull channels of the transport:
//
//   - Request / Response travel on the reply channel (replica -> authority
//     and back).
//   - Publication travels on the publish channel (authority -> replica).
//   - Update travels on the pull channel (replica -> authority).
//
// Every variant has a Prepare function that serializes it once, and a Parse
// function that validates and decodes a wire-form byte slice back into the
// variant. Parsing never allocates more than required and never mutates the
// input buffer; all emitted byte slices over key/value data are sub-slices of
// the line unless stated otherwise.
package wire
