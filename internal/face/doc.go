// Package face holds the tracking data model shared by the ingest and
// sampling layers.
//
// The pipeline is split into layers, each in its own subpackage:
//
//	codec      datagram bytes <-> Frame (partial update)
//	state      latest merged values, written by the listener, read by the sampler
//	network    UDP listener, forwarder and capture replay
//	mapping    Snapshot -> output channel values and head rotation
//	sampler    periodic tick applying mapped values to output sinks
//	visualiser gRPC stream of sampled values for remote hosts
//	monitor    HTTP status and debug charts
//
// A Frame is what one datagram carried: every field is optional and an
// absent field means "no update". A Snapshot is the fully populated merge of
// all frames seen so far, starting from the neutral face.
package face
