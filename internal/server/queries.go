package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/altsci/atdata/internal/model"
	"github.com/altsci/atdata/internal/store"
)

const (
	defaultListLimit   = 50
	defaultSearchLimit = 25
	maxListLimit       = 100
	maxBatchURIs       = 25
)

// view wraps a record with its AT-URI for responses.
type view struct {
	URI string `json:"uri"`
	Rec any    `json:"-"`
}

func (v view) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(v.Rec)
	if err != nil {
		return nil, err
	}
	// Splice the uri field into the record object.
	uri, _ := json.Marshal(v.URI)
	out := append([]byte(`{"uri":`), uri...)
	if len(data) <= 2 {
		return append(out, '}'), nil
	}
	out = append(out, ',')
	return append(out, data[1:]...), nil
}

func schemaView(s *model.Schema) view       { return view{URI: s.URI(), Rec: s} }
func entryView(e *model.Entry) view         { return view{URI: e.URI(), Rec: e} }
func labelView(l *model.Label) view         { return view{URI: l.URI(), Rec: l} }
func lensView(l *model.Lens) view           { return view{URI: l.URI(), Rec: l} }
func indexView(p *model.IndexProvider) view { return view{URI: p.URI(), Rec: p} }

// resolveActor accepts a handle or a DID and returns a DID.
func (s *Server) resolveActor(r *http.Request, actor string) (string, error) {
	if strings.HasPrefix(actor, "did:") {
		return actor, nil
	}
	did, err := s.resolver.ResolveHandle(r.Context(), actor)
	if err != nil {
		return "", fmt.Errorf("could not resolve handle %s: %w", actor, err)
	}
	return did, nil
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	did, collection, rkey, err := model.ParseATURI(r.URL.Query().Get("uri"))
	if err != nil || model.Collection(collection) != model.CollectionEntry {
		invalidRequest(w, "uri must be a valid entry AT-URI")
		return
	}
	entry, err := s.store.GetEntry(r.Context(), did, rkey)
	if err != nil {
		s.logger.Error("get entry", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	if entry == nil {
		notFound(w, "entry not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entryView(entry)})
}

func (s *Server) handleGetEntries(w http.ResponseWriter, r *http.Request) {
	uris := r.URL.Query()["uris"]
	if len(uris) == 0 || len(uris) > maxBatchURIs {
		invalidRequest(w, fmt.Sprintf("uris must contain 1-%d items", maxBatchURIs))
		return
	}
	keys := make([][2]string, 0, len(uris))
	for _, uri := range uris {
		did, _, rkey, err := model.ParseATURI(uri)
		if err != nil {
			invalidRequest(w, "invalid AT-URI: "+uri)
			return
		}
		keys = append(keys, [2]string{did, rkey})
	}
	entries, err := s.store.GetEntries(r.Context(), keys)
	if err != nil {
		s.logger.Error("get entries", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	views := make([]view, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	did, collection, rkey, err := model.ParseATURI(r.URL.Query().Get("uri"))
	if err != nil || model.Collection(collection) != model.CollectionSchema {
		invalidRequest(w, "uri must be a valid schema AT-URI")
		return
	}
	schema, err := s.store.GetSchema(r.Context(), did, rkey)
	if err != nil {
		s.logger.Error("get schema", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	if schema == nil {
		notFound(w, "schema not found")
		return
	}
	writeJSON(w, http.StatusOK, schemaView(schema))
}

func (s *Server) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	did, collection, rkey, err := model.ParseATURI(r.URL.Query().Get("uri"))
	if err != nil || model.Collection(collection) != model.CollectionIndex {
		invalidRequest(w, "uri must be a valid index AT-URI")
		return
	}
	provider, err := s.store.GetIndexProvider(r.Context(), did, rkey)
	if err != nil {
		s.logger.Error("get index provider", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	if provider == nil {
		notFound(w, "index not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": indexView(provider)})
}

// listParams extracts the shared repo/limit/cursor listing parameters.
func (s *Server) listParams(w http.ResponseWriter, r *http.Request, defLimit int) (store.ListFilter, bool) {
	limit, ok := limitParam(r, defLimit, maxListLimit)
	if !ok {
		invalidRequest(w, "limit must be between 1 and 100")
		return store.ListFilter{}, false
	}
	cursor, ok := cursorParam(r)
	if !ok {
		invalidRequest(w, "invalid cursor")
		return store.ListFilter{}, false
	}
	repo := r.URL.Query().Get("repo")
	if repo != "" {
		did, err := s.resolveActor(r, repo)
		if err != nil {
			invalidRequest(w, err.Error())
			return store.ListFilter{}, false
		}
		repo = did
	}
	return store.ListFilter{Repo: repo, Limit: limit, Cursor: cursor}, true
}

// nextCursor encodes the continuation cursor when the page is full.
func nextCursor[T any](items []T, limit int, last func(T) *model.PageCursor) string {
	if len(items) < limit {
		return ""
	}
	return last(items[len(items)-1]).Encode()
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	f, ok := s.listParams(w, r, defaultListLimit)
	if !ok {
		return
	}
	entries, err := s.store.ListEntries(r.Context(), store.EntryFilter{Repo: f.Repo, Limit: f.Limit, Cursor: f.Cursor})
	if err != nil {
		s.logger.Error("list entries", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	views := make([]view, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView(e))
	}
	resp := map[string]any{"entries": views}
	if c := nextCursor(entries, f.Limit, func(e *model.Entry) *model.PageCursor {
		return &model.PageCursor{IndexedAt: e.IndexedAt, DID: e.DID, RKey: e.RKey}
	}); c != "" {
		resp["cursor"] = c
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	f, ok := s.listParams(w, r, defaultListLimit)
	if !ok {
		return
	}
	schemas, err := s.store.ListSchemas(r.Context(), f)
	if err != nil {
		s.logger.Error("list schemas", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	views := make([]view, 0, len(schemas))
	for _, rec := range schemas {
		views = append(views, schemaView(rec))
	}
	resp := map[string]any{"schemas": views}
	if c := nextCursor(schemas, f.Limit, func(rec *model.Schema) *model.PageCursor {
		return &model.PageCursor{IndexedAt: rec.IndexedAt, DID: rec.DID, RKey: rec.RKey}
	}); c != "" {
		resp["cursor"] = c
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListLabels(w http.ResponseWriter, r *http.Request) {
	f, ok := s.listParams(w, r, defaultListLimit)
	if !ok {
		return
	}
	if dataset := r.URL.Query().Get("dataset"); dataset != "" {
		labels, err := s.store.LabelsForDataset(r.Context(), dataset, f.Limit)
		if err != nil {
			s.logger.Error("labels for dataset", "error", err, logAttr(r.Context()))
			internalError(w)
			return
		}
		views := make([]view, 0, len(labels))
		for _, rec := range labels {
			views = append(views, labelView(rec))
		}
		writeJSON(w, http.StatusOK, map[string]any{"labels": views})
		return
	}
	labels, err := s.store.ListLabels(r.Context(), f)
	if err != nil {
		s.logger.Error("list labels", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	views := make([]view, 0, len(labels))
	for _, rec := range labels {
		views = append(views, labelView(rec))
	}
	resp := map[string]any{"labels": views}
	if c := nextCursor(labels, f.Limit, func(rec *model.Label) *model.PageCursor {
		return &model.PageCursor{IndexedAt: rec.IndexedAt, DID: rec.DID, RKey: rec.RKey}
	}); c != "" {
		resp["cursor"] = c
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListLenses(w http.ResponseWriter, r *http.Request) {
	f, ok := s.listParams(w, r, defaultListLimit)
	if !ok {
		return
	}
	q := r.URL.Query()
	lenses, err := s.store.ListLenses(r.Context(), store.LensFilter{
		Repo:         f.Repo,
		SourceSchema: q.Get("sourceSchema"),
		TargetSchema: q.Get("targetSchema"),
		Limit:        f.Limit,
		Cursor:       f.Cursor,
	})
	if err != nil {
		s.logger.Error("list lenses", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	views := make([]view, 0, len(lenses))
	for _, rec := range lenses {
		views = append(views, lensView(rec))
	}
	resp := map[string]any{"lenses": views}
	if c := nextCursor(lenses, f.Limit, func(rec *model.Lens) *model.PageCursor {
		return &model.PageCursor{IndexedAt: rec.IndexedAt, DID: rec.DID, RKey: rec.RKey}
	}); c != "" {
		resp["cursor"] = c
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	f, ok := s.listParams(w, r, defaultListLimit)
	if !ok {
		return
	}
	providers, err := s.store.ListIndexProviders(r.Context(), f)
	if err != nil {
		s.logger.Error("list indexes", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	views := make([]view, 0, len(providers))
	for _, rec := range providers {
		views = append(views, indexView(rec))
	}
	resp := map[string]any{"indexes": views}
	if c := nextCursor(providers, f.Limit, func(rec *model.IndexProvider) *model.PageCursor {
		return &model.PageCursor{IndexedAt: rec.IndexedAt, DID: rec.DID, RKey: rec.RKey}
	}); c != "" {
		resp["cursor"] = c
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResolveLabel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	handle, name := q.Get("handle"), q.Get("name")
	if handle == "" || name == "" {
		invalidRequest(w, "handle and name are required")
		return
	}
	did, err := s.resolveActor(r, handle)
	if err != nil {
		invalidRequest(w, err.Error())
		return
	}
	label, err := s.store.ResolveLabel(r.Context(), did, name, q.Get("version"))
	if err != nil {
		s.logger.Error("resolve label", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	if label == nil {
		notFound(w, "label not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uri":   label.DatasetURI,
		"cid":   label.CID,
		"label": labelView(label),
	})
}

func (s *Server) handleResolveSchema(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	handle, schemaID := q.Get("handle"), q.Get("schemaId")
	if handle == "" || schemaID == "" {
		invalidRequest(w, "handle and schemaId are required")
		return
	}
	did, err := s.resolveActor(r, handle)
	if err != nil {
		invalidRequest(w, err.Error())
		return
	}
	schema, err := s.store.ResolveSchema(r.Context(), did, schemaID, q.Get("version"))
	if err != nil {
		s.logger.Error("resolve schema", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	if schema == nil {
		notFound(w, "schema not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uri":    schema.URI(),
		"cid":    schema.CID,
		"record": schemaView(schema),
	})
}

// blobStorage is the storage payload shape for blob-backed entries.
type blobStorage struct {
	Type  string `json:"$type"`
	Blobs []struct {
		Blob struct {
			Ref struct {
				Link string `json:"$link"`
			} `json:"ref"`
		} `json:"blob"`
	} `json:"blobs"`
}

func (s *Server) handleResolveBlobs(w http.ResponseWriter, r *http.Request) {
	uris := r.URL.Query()["uris"]
	if len(uris) == 0 || len(uris) > maxBatchURIs {
		invalidRequest(w, fmt.Sprintf("uris must contain 1-%d items", maxBatchURIs))
		return
	}

	results := make([]map[string]any, 0, len(uris))
	for _, uri := range uris {
		did, _, rkey, err := model.ParseATURI(uri)
		if err != nil {
			results = append(results, map[string]any{"uri": uri, "error": "invalid AT-URI"})
			continue
		}
		entry, err := s.store.GetEntry(r.Context(), did, rkey)
		if err != nil {
			s.logger.Error("resolve blobs", "error", err, logAttr(r.Context()))
			internalError(w)
			return
		}
		if entry == nil {
			results = append(results, map[string]any{"uri": uri, "error": "entry not found"})
			continue
		}

		var storage blobStorage
		if err := json.Unmarshal(entry.Storage, &storage); err != nil || !strings.Contains(storage.Type, "storageBlobs") {
			results = append(results, map[string]any{"uri": uri, "error": "not blob storage"})
			continue
		}

		pds, err := s.resolver.ResolvePDS(r.Context(), did)
		if err != nil {
			results = append(results, map[string]any{"uri": uri, "error": "could not resolve PDS"})
			continue
		}
		for _, b := range storage.Blobs {
			cid := b.Blob.Ref.Link
			if cid == "" {
				continue
			}
			results = append(results, map[string]any{
				"uri": uri,
				"cid": cid,
				"url": fmt.Sprintf("%s/xrpc/com.atproto.sync.getBlob?did=%s&cid=%s", pds, did, cid),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"blobs": results})
}

func (s *Server) handleSearchDatasets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	limit, ok := limitParam(r, defaultSearchLimit, maxListLimit)
	if !ok {
		invalidRequest(w, "limit must be between 1 and 100")
		return
	}

	// With an index parameter the query is delegated to a third-party
	// provider's skeleton endpoint and hydrated locally.
	if indexURI := q.Get("index"); indexURI != "" {
		s.searchViaIndex(w, r, indexURI, query, limit)
		return
	}

	if query == "" {
		invalidRequest(w, "q is required")
		return
	}
	cursor, ok := cursorParam(r)
	if !ok {
		invalidRequest(w, "invalid cursor")
		return
	}
	repo := q.Get("repo")
	if repo != "" {
		did, err := s.resolveActor(r, repo)
		if err != nil {
			invalidRequest(w, err.Error())
			return
		}
		repo = did
	}

	entries, err := s.store.ListEntries(r.Context(), store.EntryFilter{
		Repo:      repo,
		Query:     query,
		Tags:      q["tags"],
		SchemaRef: q.Get("schemaRef"),
		Limit:     limit,
		Cursor:    cursor,
	})
	if err != nil {
		s.logger.Error("search datasets", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	views := make([]view, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView(e))
	}
	resp := map[string]any{"entries": views}
	if c := nextCursor(entries, limit, func(e *model.Entry) *model.PageCursor {
		return &model.PageCursor{IndexedAt: e.IndexedAt, DID: e.DID, RKey: e.RKey}
	}); c != "" {
		resp["cursor"] = c
	}
	writeJSON(w, http.StatusOK, resp)
}

// searchViaIndex fetches a skeleton from an index provider and hydrates
// the references from the local store.
func (s *Server) searchViaIndex(w http.ResponseWriter, r *http.Request, indexURI, query string, limit int) {
	did, collection, rkey, err := model.ParseATURI(indexURI)
	if err != nil || model.Collection(collection) != model.CollectionIndex {
		invalidRequest(w, "index must be a valid index AT-URI")
		return
	}
	provider, err := s.store.GetIndexProvider(r.Context(), did, rkey)
	if err != nil {
		s.logger.Error("search via index", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	if provider == nil {
		notFound(w, "index not found")
		return
	}

	page, err := s.fetcher.FetchSkeleton(r.Context(), provider.EndpointURL, query, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		s.logger.Warn("index provider fetch failed", "index", indexURI, "error", err, logAttr(r.Context()))
		writeError(w, http.StatusBadGateway, "UpstreamFailure", "index provider fetch failed")
		return
	}

	keys := make([][2]string, 0, len(page.Items))
	for _, item := range page.Items {
		refDID, refCollection, refRKey, err := model.ParseATURI(item.Reference)
		if err != nil || model.Collection(refCollection) != model.CollectionEntry {
			continue
		}
		keys = append(keys, [2]string{refDID, refRKey})
	}

	var views []view
	if len(keys) > 0 {
		entries, err := s.store.GetEntries(r.Context(), keys)
		if err != nil {
			s.logger.Error("hydrating skeleton", "error", err, logAttr(r.Context()))
			internalError(w)
			return
		}
		for _, e := range entries {
			views = append(views, entryView(e))
		}
	}
	resp := map[string]any{"entries": views}
	if page.Cursor != "" {
		resp["cursor"] = page.Cursor
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearchLenses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := limitParam(r, defaultSearchLimit, maxListLimit)
	if !ok {
		invalidRequest(w, "limit must be between 1 and 100")
		return
	}
	cursor, ok := cursorParam(r)
	if !ok {
		invalidRequest(w, "invalid cursor")
		return
	}

	lenses, err := s.store.ListLenses(r.Context(), store.LensFilter{
		SourceSchema: q.Get("sourceSchema"),
		TargetSchema: q.Get("targetSchema"),
		Either:       true,
		Limit:        limit,
		Cursor:       cursor,
	})
	if err != nil {
		s.logger.Error("search lenses", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	views := make([]view, 0, len(lenses))
	for _, rec := range lenses {
		views = append(views, lensView(rec))
	}
	resp := map[string]any{"lenses": views}
	if c := nextCursor(lenses, limit, func(rec *model.Lens) *model.PageCursor {
		return &model.PageCursor{IndexedAt: rec.IndexedAt, DID: rec.DID, RKey: rec.RKey}
	}); c != "" {
		resp["cursor"] = c
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDescribeService(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.RecordCounts(r.Context())
	if err != nil {
		s.logger.Error("describe service", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	collections := model.Collections()
	names := make([]string, 0, len(collections))
	for _, c := range collections {
		names = append(names, string(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"did":                  s.serviceDID,
		"availableCollections": names,
		"recordCount":          counts,
	})
}
