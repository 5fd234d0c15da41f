// Package moq reads and writes the MoQ Transport subgroup data streams
// (draft-ietf-moq-transport-15) that prism publishes, decoding the LOC
// header extensions (capture timestamp, frame marking, video config) carried
// on each object. It also converts length-prefixed video payloads to Annex B
// and parses AVC/HEVC decoder configuration records.
//
// This package contains no session logic; segments arrive as byte streams
// already pulled off the network.
package moq
