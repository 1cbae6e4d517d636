// Package protocol defines the core data model shared by the components of
// the data-distribution layer: topics, endpoint identifiers, instance keys
// and handles, instance / view / sample states, the error taxonomy, and the
// framed wire messages exchanged between writer and reader sessions.
//
// Wire frames are stream-framed: each frame is a 4-byte magic word, a
// little-endian uint32 body length, and a body of protobuf-encoded fields.
// Many frames may be coalesced into a single stream segment, and readers
// demultiplex them by repeatedly reading the length prefix.
package protocol
