package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/altsci/atdata/internal/model"
)

const (
	backfillConcurrency    = 10
	backfillListLimit      = 500
	backfillRecordLimit    = 100
	backfillRequestsPerSec = 20
)

// PDSResolver resolves a DID to its personal data server endpoint.
type PDSResolver interface {
	ResolvePDS(ctx context.Context, did string) (string, error)
}

// Backfiller walks historical repository contents for every publisher
// the relay knows about and feeds the records through the shared
// Processor. It runs once at startup, concurrently with the live
// consumer; overlap is safe because writes are keyed and idempotent.
type Backfiller struct {
	relayHost string
	resolver  PDSResolver
	processor *Processor
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *Metrics
}

// NewBackfiller builds a Backfiller against the given relay host.
func NewBackfiller(relayHost string, resolver PDSResolver, processor *Processor, logger *slog.Logger, metrics *Metrics) *Backfiller {
	return &Backfiller{
		relayHost: strings.TrimRight(relayHost, "/"),
		resolver:  resolver,
		processor: processor,
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(backfillRequestsPerSec), backfillRequestsPerSec),
		logger:    logger,
		metrics:   metrics,
	}
}

// Run performs one backfill pass over every indexed collection. A
// failure on one publisher is logged and skipped; only cancellation
// aborts the pass.
func (b *Backfiller) Run(ctx context.Context) error {
	b.logger.Info("starting backfill", "relay", b.relayHost)

	for _, collection := range model.Collections() {
		dids, err := b.discoverDIDs(ctx, collection)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("enumerating repos", "collection", collection, "error", err)
			continue
		}
		b.logger.Info("discovered publishers", "collection", collection, "count", len(dids))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(backfillConcurrency)
		for _, did := range dids {
			g.Go(func() error {
				if err := b.backfillRepo(gctx, did, collection); err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					b.logger.Debug("backfilling repo", "did", did, "collection", collection, "error", err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	b.logger.Info("backfill complete")
	return nil
}

// discoverDIDs pages through the relay's repo enumeration for one
// collection.
func (b *Backfiller) discoverDIDs(ctx context.Context, collection model.Collection) ([]string, error) {
	var (
		dids   []string
		cursor string
	)
	for {
		params := url.Values{}
		params.Set("collection", string(collection))
		params.Set("limit", strconv.Itoa(backfillListLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var page struct {
			Repos []struct {
				DID string `json:"did"`
			} `json:"repos"`
			Cursor string `json:"cursor"`
		}
		endpoint := b.relayHost + "/xrpc/com.atproto.sync.listReposByCollection?" + params.Encode()
		if err := b.getJSON(ctx, endpoint, &page); err != nil {
			return dids, fmt.Errorf("listReposByCollection: %w", err)
		}

		for _, repo := range page.Repos {
			dids = append(dids, repo.DID)
		}
		if page.Cursor == "" {
			return dids, nil
		}
		cursor = page.Cursor
	}
}

// backfillRepo fetches every record of one collection from the
// publisher's PDS and runs each through the shared processor.
func (b *Backfiller) backfillRepo(ctx context.Context, did string, collection model.Collection) error {
	pds, err := b.resolver.ResolvePDS(ctx, did)
	if err != nil {
		return fmt.Errorf("resolving pds: %w", err)
	}

	var (
		cursor string
		total  int
	)
	for {
		params := url.Values{}
		params.Set("repo", did)
		params.Set("collection", string(collection))
		params.Set("limit", strconv.Itoa(backfillRecordLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var page struct {
			Records []struct {
				URI   string          `json:"uri"`
				CID   string          `json:"cid"`
				Value json.RawMessage `json:"value"`
			} `json:"records"`
			Cursor string `json:"cursor"`
		}
		endpoint := strings.TrimRight(pds, "/") + "/xrpc/com.atproto.repo.listRecords?" + params.Encode()
		if err := b.getJSON(ctx, endpoint, &page); err != nil {
			return fmt.Errorf("listRecords: %w", err)
		}

		for _, rec := range page.Records {
			_, _, rkey, err := model.ParseATURI(rec.URI)
			if err != nil {
				continue
			}
			// Backfill events carry no stream timestamp; a zero event
			// time means a concurrent live write for the same key always
			// wins, so backfill only fills gaps.
			ev := &CommitEvent{
				DID:  did,
				Kind: "commit",
				Commit: &Commit{
					Operation:  string(model.OpCreate),
					Collection: string(collection),
					RKey:       rkey,
					Record:     rec.Value,
					CID:        rec.CID,
				},
			}
			if err := b.processor.Process(ctx, ev); err != nil {
				b.logger.Debug("backfill record failed", "uri", rec.URI, "error", err)
				continue
			}
			total++
			if b.metrics != nil {
				b.metrics.BackfillRecords.WithLabelValues(string(collection)).Inc()
			}
		}

		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	if total > 0 {
		b.logger.Debug("backfilled repo", "did", did, "collection", collection, "records", total)
	}
	return nil
}

func (b *Backfiller) getJSON(ctx context.Context, endpoint string, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d from %s", resp.StatusCode, endpoint)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
