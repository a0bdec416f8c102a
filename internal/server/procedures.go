package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/altsci/atdata/internal/auth"
	"github.com/altsci/atdata/internal/model"
)

const maxInteractionBatch = 100

// requireAuth validates the inter-service token for the given endpoint
// NSID and returns the caller's identity.
func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request, endpoint string) (*auth.Payload, bool) {
	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "AuthenticationRequired", "missing bearer token")
		return nil, false
	}
	payload, err := s.verifier.Verify(r.Context(), token, endpoint)
	if err != nil {
		s.logger.Warn("auth rejected", "endpoint", endpoint, "error", err, logAttr(r.Context()))
		writeError(w, http.StatusUnauthorized, "AuthenticationRequired", "invalid service token")
		return nil, false
	}
	return payload, true
}

// requirePDSToken extracts the caller's PDS access token, which the
// AppView forwards when proxying record creation.
func (s *Server) requirePDSToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := r.Header.Get("X-PDS-Auth")
	if token == "" {
		invalidRequest(w, "X-PDS-Auth header is required")
		return "", false
	}
	return token, true
}

type createRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// proxyCreateRecord writes a record to the caller's own PDS on their
// behalf and returns the resulting uri and cid.
func (s *Server) proxyCreateRecord(r *http.Request, did, pdsToken string, collection model.Collection, rkey string, record map[string]any) (*createRecordResponse, error) {
	pds, err := s.resolver.ResolvePDS(r.Context(), did)
	if err != nil {
		return nil, fmt.Errorf("resolving PDS for %s: %w", did, err)
	}

	body := map[string]any{
		"repo":       did,
		"collection": string(collection),
		"record":     record,
		"validate":   false,
	}
	if rkey != "" {
		body["rkey"] = rkey
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding createRecord body: %w", err)
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		pds+"/xrpc/com.atproto.repo.createRecord", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+pdsToken)

	resp, err := s.pdsClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling PDS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("PDS returned %d: %s", resp.StatusCode, msg)
	}

	var out createRecordResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding PDS response: %w", err)
	}
	return &out, nil
}

// publishRequest is the common envelope for publish procedures: an
// optional rkey plus the record payload itself.
type publishRequest struct {
	RKey   string         `json:"rkey,omitempty"`
	Record map[string]any `json:"record"`
}

func decodePublish(w http.ResponseWriter, r *http.Request) (*publishRequest, bool) {
	var req publishRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		invalidRequest(w, "invalid JSON body")
		return nil, false
	}
	if req.Record == nil {
		invalidRequest(w, "record is required")
		return nil, false
	}
	return &req, true
}

func requireStringFields(w http.ResponseWriter, record map[string]any, fields ...string) bool {
	for _, f := range fields {
		v, ok := record[f].(string)
		if !ok || v == "" {
			invalidRequest(w, f+" is required")
			return false
		}
	}
	return true
}

// checkRecordType rejects records that carry a mismatched $type, and
// stamps the correct one otherwise.
func checkRecordType(w http.ResponseWriter, record map[string]any, collection model.Collection) bool {
	if t, ok := record["$type"].(string); ok && t != "" && t != string(collection) {
		invalidRequest(w, "$type must be "+string(collection))
		return false
	}
	record["$type"] = string(collection)
	return true
}

func (s *Server) finishPublish(w http.ResponseWriter, r *http.Request, did, pdsToken string, collection model.Collection, req *publishRequest) {
	if req.RKey != "" {
		exists, err := s.store.RecordExists(r.Context(), collection, did, req.RKey)
		if err != nil {
			s.logger.Error("checking rkey", "error", err, logAttr(r.Context()))
			internalError(w)
			return
		}
		if exists {
			writeError(w, http.StatusConflict, "RecordExists", "a record with this rkey already exists")
			return
		}
	}
	out, err := s.proxyCreateRecord(r, did, pdsToken, collection, req.RKey, req.Record)
	if err != nil {
		s.logger.Error("proxying createRecord", "collection", collection, "error", err, logAttr(r.Context()))
		writeError(w, http.StatusBadGateway, "UpstreamFailure", "could not write record to PDS")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePublishSchema(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.requireAuth(w, r, nsid+".publishSchema")
	if !ok {
		return
	}
	pdsToken, ok := s.requirePDSToken(w, r)
	if !ok {
		return
	}
	req, ok := decodePublish(w, r)
	if !ok {
		return
	}
	if !requireStringFields(w, req.Record, "name", "version", "createdAt") {
		return
	}
	if _, ok := req.Record["schema"]; !ok {
		invalidRequest(w, "schema is required")
		return
	}
	if !checkRecordType(w, req.Record, model.CollectionSchema) {
		return
	}
	s.finishPublish(w, r, payload.Iss, pdsToken, model.CollectionSchema, req)
}

var allowedStorageTypes = map[string]bool{
	model.Namespace + ".storageHttp":  true,
	model.Namespace + ".storageS3":    true,
	model.Namespace + ".storageBlobs": true,
}

func (s *Server) handlePublishDataset(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.requireAuth(w, r, nsid+".publishDataset")
	if !ok {
		return
	}
	pdsToken, ok := s.requirePDSToken(w, r)
	if !ok {
		return
	}
	req, ok := decodePublish(w, r)
	if !ok {
		return
	}
	if !requireStringFields(w, req.Record, "name", "schemaRef", "createdAt") {
		return
	}

	schemaRef := req.Record["schemaRef"].(string)
	refDID, refCollection, refRKey, err := model.ParseATURI(schemaRef)
	if err != nil || model.Collection(refCollection) != model.CollectionSchema {
		invalidRequest(w, "schemaRef must be a valid schema AT-URI")
		return
	}
	schema, err := s.store.GetSchema(r.Context(), refDID, refRKey)
	if err != nil {
		s.logger.Error("checking schemaRef", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	if schema == nil {
		invalidRequest(w, "referenced schema does not exist")
		return
	}

	storage, ok := req.Record["storage"].(map[string]any)
	if !ok {
		invalidRequest(w, "storage is required")
		return
	}
	storageType, _ := storage["$type"].(string)
	if !allowedStorageTypes[storageType] {
		invalidRequest(w, "unsupported storage $type")
		return
	}

	if !checkRecordType(w, req.Record, model.CollectionEntry) {
		return
	}
	s.finishPublish(w, r, payload.Iss, pdsToken, model.CollectionEntry, req)
}

func (s *Server) handlePublishLabel(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.requireAuth(w, r, nsid+".publishLabel")
	if !ok {
		return
	}
	pdsToken, ok := s.requirePDSToken(w, r)
	if !ok {
		return
	}
	req, ok := decodePublish(w, r)
	if !ok {
		return
	}
	if !requireStringFields(w, req.Record, "name", "datasetUri", "createdAt") {
		return
	}

	datasetURI := req.Record["datasetUri"].(string)
	refDID, refCollection, refRKey, err := model.ParseATURI(datasetURI)
	if err != nil || model.Collection(refCollection) != model.CollectionEntry {
		invalidRequest(w, "datasetUri must be a valid entry AT-URI")
		return
	}
	entry, err := s.store.GetEntry(r.Context(), refDID, refRKey)
	if err != nil {
		s.logger.Error("checking datasetUri", "error", err, logAttr(r.Context()))
		internalError(w)
		return
	}
	if entry == nil {
		invalidRequest(w, "referenced dataset does not exist")
		return
	}

	if !checkRecordType(w, req.Record, model.CollectionLabel) {
		return
	}
	s.finishPublish(w, r, payload.Iss, pdsToken, model.CollectionLabel, req)
}

func (s *Server) handlePublishLens(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.requireAuth(w, r, nsid+".publishLens")
	if !ok {
		return
	}
	pdsToken, ok := s.requirePDSToken(w, r)
	if !ok {
		return
	}
	req, ok := decodePublish(w, r)
	if !ok {
		return
	}
	if !requireStringFields(w, req.Record, "name", "sourceSchema", "targetSchema", "createdAt") {
		return
	}
	for _, field := range []string{"getterCode", "putterCode"} {
		if _, present := req.Record[field]; !present {
			invalidRequest(w, field+" is required")
			return
		}
	}

	for _, field := range []string{"sourceSchema", "targetSchema"} {
		ref := req.Record[field].(string)
		refDID, refCollection, refRKey, err := model.ParseATURI(ref)
		if err != nil || model.Collection(refCollection) != model.CollectionSchema {
			invalidRequest(w, field+" must be a valid schema AT-URI")
			return
		}
		exists, err := s.store.RecordExists(r.Context(), model.CollectionSchema, refDID, refRKey)
		if err != nil {
			s.logger.Error("checking lens schema ref", "error", err, logAttr(r.Context()))
			internalError(w)
			return
		}
		if !exists {
			invalidRequest(w, field+" does not reference an existing schema")
			return
		}
	}

	if !checkRecordType(w, req.Record, model.CollectionLens) {
		return
	}
	s.finishPublish(w, r, payload.Iss, pdsToken, model.CollectionLens, req)
}

func (s *Server) handlePublishIndex(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.requireAuth(w, r, nsid+".publishIndex")
	if !ok {
		return
	}
	pdsToken, ok := s.requirePDSToken(w, r)
	if !ok {
		return
	}
	req, ok := decodePublish(w, r)
	if !ok {
		return
	}
	if !requireStringFields(w, req.Record, "name", "endpointUrl", "createdAt") {
		return
	}

	endpointURL := req.Record["endpointUrl"].(string)
	if !s.devMode && !strings.HasPrefix(endpointURL, "https://") {
		invalidRequest(w, "endpointUrl must use https")
		return
	}
	if _, err := s.fetcher.Validator().ValidateURL(r.Context(), endpointURL); err != nil {
		invalidRequest(w, "endpointUrl is not allowed: "+err.Error())
		return
	}

	if !checkRecordType(w, req.Record, model.CollectionIndex) {
		return
	}
	s.finishPublish(w, r, payload.Iss, pdsToken, model.CollectionIndex, req)
}

var validInteractionTypes = map[string]bool{
	model.InteractionDownload:   true,
	model.InteractionCitation:   true,
	model.InteractionDerivative: true,
}

func (s *Server) handleSendInteractions(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.requireAuth(w, r, nsid+".sendInteractions")
	if !ok {
		return
	}

	var req struct {
		Interactions []model.Interaction `json:"interactions"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		invalidRequest(w, "invalid JSON body")
		return
	}
	if len(req.Interactions) == 0 || len(req.Interactions) > maxInteractionBatch {
		invalidRequest(w, fmt.Sprintf("interactions must contain 1-%d items", maxInteractionBatch))
		return
	}

	type target struct {
		eventType string
		did, rkey string
	}
	targets := make([]target, 0, len(req.Interactions))
	for i, it := range req.Interactions {
		if !validInteractionTypes[it.Type] {
			invalidRequest(w, fmt.Sprintf("interactions[%d]: unknown type %q", i, it.Type))
			return
		}
		did, collection, rkey, err := model.ParseATURI(it.DatasetURI)
		if err != nil || model.Collection(collection) != model.CollectionEntry {
			invalidRequest(w, fmt.Sprintf("interactions[%d]: datasetUri must be a valid entry AT-URI", i))
			return
		}
		targets = append(targets, target{eventType: it.Type, did: did, rkey: rkey})
	}

	// Recording is best effort and must not hold up the response.
	params, _ := json.Marshal(map[string]string{"actor": payload.Iss})
	for _, t := range targets {
		s.tasks.Add(1)
		go func(t target) {
			defer s.tasks.Done()
			ctx := context.WithoutCancel(r.Context())
			if err := s.store.RecordInteraction(ctx, t.eventType, t.did, t.rkey, params); err != nil {
				s.logger.Warn("recording interaction", "type", t.eventType, "error", err)
			}
		}(t)
	}

	writeJSON(w, http.StatusOK, map[string]any{})
}
