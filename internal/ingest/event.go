// Package ingest consumes the network firehose and backfill enumeration
// and routes record mutations into the store. The live consumer and the
// backfill reconciler share one Processor so both paths get identical
// validation and write semantics.
package ingest

import "encoding/json"

// CommitEvent is an inbound firehose message. Only kind "commit" events
// carry a record mutation; everything else is ignored.
type CommitEvent struct {
	DID    string  `json:"did"`
	TimeUS int64   `json:"time_us"`
	Kind   string  `json:"kind"`
	Commit *Commit `json:"commit"`
}

// Commit is the mutation payload of a commit event.
type Commit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record"`
	CID        string          `json:"cid"`
}
