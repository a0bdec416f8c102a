package model

import (
	"encoding/json"
	"time"
)

// Namespace is the lexicon namespace this AppView indexes.
const Namespace = "science.alt.dataset"

// Collection identifies a record collection within the namespace.
type Collection string

const (
	CollectionSchema Collection = Namespace + ".schema"
	CollectionEntry  Collection = Namespace + ".entry"
	CollectionLabel  Collection = Namespace + ".label"
	CollectionLens   Collection = Namespace + ".lens"
	CollectionIndex  Collection = Namespace + ".index"
)

// String returns the string representation of the collection.
func (c Collection) String() string {
	return string(c)
}

// Collections lists every collection this AppView indexes, in a stable order.
func Collections() []Collection {
	return []Collection{
		CollectionSchema,
		CollectionEntry,
		CollectionLabel,
		CollectionLens,
		CollectionIndex,
	}
}

// Operation is the kind of mutation carried by a firehose event.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// IsValid checks whether the operation is a known value.
func (o Operation) IsValid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Schema is the indexed projection of a science.alt.dataset.schema record.
type Schema struct {
	DID         string          `json:"did"`
	RKey        string          `json:"rkey"`
	CID         string          `json:"cid"`
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	SchemaType  string          `json:"schemaType"`
	SchemaBody  json.RawMessage `json:"schema"`
	Description string          `json:"description,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   string          `json:"createdAt"`
	EventTimeUS int64           `json:"-"`
	IndexedAt   time.Time       `json:"-"`
}

// URI returns the AT-URI identifying this schema record.
func (s *Schema) URI() string {
	return MakeATURI(s.DID, CollectionSchema, s.RKey)
}

// EntrySize holds optional dataset size hints published alongside an entry.
type EntrySize struct {
	Samples *int64 `json:"samples,omitempty"`
	Bytes   *int64 `json:"bytes,omitempty"`
	Shards  *int64 `json:"shards,omitempty"`
}

// Entry is the indexed projection of a science.alt.dataset.entry record.
type Entry struct {
	DID               string          `json:"did"`
	RKey              string          `json:"rkey"`
	CID               string          `json:"cid"`
	Name              string          `json:"name"`
	SchemaRef         string          `json:"schemaRef"`
	Storage           json.RawMessage `json:"storage"`
	Description       string          `json:"description,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
	License           string          `json:"license,omitempty"`
	Size              *EntrySize      `json:"size,omitempty"`
	MetadataSchemaRef string          `json:"metadataSchemaRef,omitempty"`
	ContentMetadata   json.RawMessage `json:"contentMetadata,omitempty"`
	CreatedAt         string          `json:"createdAt"`
	EventTimeUS       int64           `json:"-"`
	IndexedAt         time.Time       `json:"-"`
}

// URI returns the AT-URI identifying this entry record.
func (e *Entry) URI() string {
	return MakeATURI(e.DID, CollectionEntry, e.RKey)
}

// Label is the indexed projection of a science.alt.dataset.label record.
type Label struct {
	DID         string    `json:"did"`
	RKey        string    `json:"rkey"`
	CID         string    `json:"cid"`
	Name        string    `json:"name"`
	DatasetURI  string    `json:"datasetUri"`
	Version     string    `json:"version,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   string    `json:"createdAt"`
	EventTimeUS int64     `json:"-"`
	IndexedAt   time.Time `json:"-"`
}

// URI returns the AT-URI identifying this label record.
func (l *Label) URI() string {
	return MakeATURI(l.DID, CollectionLabel, l.RKey)
}

// Lens is the indexed projection of a science.alt.dataset.lens record.
type Lens struct {
	DID          string          `json:"did"`
	RKey         string          `json:"rkey"`
	CID          string          `json:"cid"`
	Name         string          `json:"name"`
	SourceSchema string          `json:"sourceSchema"`
	TargetSchema string          `json:"targetSchema"`
	GetterCode   json.RawMessage `json:"getterCode"`
	PutterCode   json.RawMessage `json:"putterCode"`
	Description  string          `json:"description,omitempty"`
	Language     string          `json:"language,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    string          `json:"createdAt"`
	EventTimeUS  int64           `json:"-"`
	IndexedAt    time.Time       `json:"-"`
}

// URI returns the AT-URI identifying this lens record.
func (l *Lens) URI() string {
	return MakeATURI(l.DID, CollectionLens, l.RKey)
}

// IndexProvider is the indexed projection of a science.alt.dataset.index
// record: a third-party declaration of an external skeleton endpoint.
// The endpoint URL must pass SSRF validation before the row is written
// and again before every runtime fetch.
type IndexProvider struct {
	DID         string    `json:"did"`
	RKey        string    `json:"rkey"`
	CID         string    `json:"cid"`
	Name        string    `json:"name"`
	EndpointURL string    `json:"endpointUrl"`
	Description string    `json:"description,omitempty"`
	CreatedAt   string    `json:"createdAt"`
	EventTimeUS int64     `json:"-"`
	IndexedAt   time.Time `json:"-"`
}

// URI returns the AT-URI identifying this index provider record.
func (p *IndexProvider) URI() string {
	return MakeATURI(p.DID, CollectionIndex, p.RKey)
}

// Interaction is a single telemetry item accepted by sendInteractions.
type Interaction struct {
	Type       string `json:"type"`
	DatasetURI string `json:"datasetUri"`
}

// Valid interaction types for sendInteractions.
const (
	InteractionDownload   = "download"
	InteractionCitation   = "citation"
	InteractionDerivative = "derivative"
)
