// Package ingest validates uploaded target lists and partitions them into
// accepted targets and rejected rows.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/logger"
)

// ErrNoValidItems is returned when a non-empty batch has no acceptable row.
var ErrNoValidItems = errors.New("batch contains no valid items")

// Resolver geolocates an IP address.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (domain.Coordinates, error)
}

// Rejection is a row that failed validation.
type Rejection struct {
	RawValue string `json:"raw_value"`
	Reason   string `json:"reason"`
}

// Unresolved is an accepted IP whose location could not be resolved.
type Unresolved struct {
	TargetID string `json:"target_id"`
	Value    string `json:"value"`
	Reason   string `json:"reason"`
}

// Result is the partition of one batch.
type Result struct {
	Items      []domain.BatchItem `json:"items"`
	Accepted   []domain.Target    `json:"accepted"`
	Rejected   []Rejection        `json:"rejected"`
	Unresolved []Unresolved       `json:"unresolved,omitempty"`
}

// Pipeline validates batches. It is safe for concurrent use.
type Pipeline struct {
	validate *validator.Validate
	resolver Resolver
	workers  int
}

// NewPipeline creates a Pipeline. resolver may be nil, in which case IP targets
// are accepted without locations.
func NewPipeline(resolver Resolver, workers int) *Pipeline {
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{validate: newValidator(), resolver: resolver, workers: workers}
}

// Validate checks one raw value and returns the parsed target or a rejection reason.
func (p *Pipeline) Validate(raw string, t domain.TargetType) (domain.Target, string) {
	r, ok := rules[t]
	if !ok {
		return domain.Target{}, fmt.Sprintf("unsupported target type %q", t)
	}
	value := canonical(raw, t)
	if value == "" {
		return domain.Target{}, reasonEmpty
	}
	if err := p.validate.Var(value, r.tag); err != nil {
		return domain.Target{}, r.reason
	}
	return domain.Target{ID: uuid.NewString(), Type: t, Value: value}, ""
}

// Ingest validates every row independently and, for IP batches, resolves locations.
// Parameters:
//   - ctx: request context, used for geolocation.
//   - rows: raw values, one per row, header already removed.
//   - t: target type every row must satisfy.
// Returns:
//   - *Result: accepted targets, rejected rows with reasons, unresolved IPs.
//   - error: ErrNoValidItems if rows is non-empty and nothing was accepted.
func (p *Pipeline) Ingest(ctx context.Context, rows []string, t domain.TargetType) (*Result, error) {
	start := time.Now()
	ctx = logger.SetComponent(ctx, "ingest")

	res := &Result{
		Items:    make([]domain.BatchItem, 0, len(rows)),
		Accepted: make([]domain.Target, 0, len(rows)),
		Rejected: make([]Rejection, 0),
	}
	seen := make(map[string]struct{}, len(rows))
	itemIdx := make([]int, 0, len(rows))

	for _, raw := range rows {
		target, reason := p.Validate(raw, t)
		if reason == "" {
			key := dedupeKey(target.Value, t)
			if _, dup := seen[key]; dup {
				reason = reasonDuplicate
			} else {
				seen[key] = struct{}{}
			}
		}
		if reason != "" {
			res.Items = append(res.Items, domain.BatchItem{RawValue: raw, RejectionReason: reason})
			res.Rejected = append(res.Rejected, Rejection{RawValue: raw, Reason: reason})
			continue
		}
		itemIdx = append(itemIdx, len(res.Items))
		res.Items = append(res.Items, domain.BatchItem{RawValue: raw})
		res.Accepted = append(res.Accepted, target)
	}

	if len(res.Accepted) == 0 {
		if len(rows) == 0 {
			return res, nil
		}
		logger.With(logger.Fields{"rejected": len(res.Rejected)}).WithCount(len(rows)).Warn(ctx, "Batch has no valid items")
		return res, ErrNoValidItems
	}

	if t == domain.TargetIP && p.resolver != nil {
		res.Unresolved = p.resolveAll(ctx, res.Accepted)
	}

	for i, idx := range itemIdx {
		target := res.Accepted[i]
		res.Items[idx].ParsedTarget = &target
	}

	logger.With(logger.Fields{
		"accepted":   len(res.Accepted),
		"rejected":   len(res.Rejected),
		"unresolved": len(res.Unresolved),
	}).WithDuration(time.Since(start)).Info(ctx, "Batch ingested")
	return res, nil
}

// resolveAll geolocates targets in place. Failures are returned, never fatal.
func (p *Pipeline) resolveAll(ctx context.Context, targets []domain.Target) []Unresolved {
	var mu sync.Mutex
	failed := make(map[int]Unresolved)

	wp := pool.New().WithMaxGoroutines(p.workers)
	for i := range targets {
		wp.Go(func() {
			coords, err := p.resolver.Resolve(ctx, targets[i].Value)
			if err == nil {
				targets[i].Location = &coords
				return
			}
			reason := "geolocation failed: " + err.Error()
			if errors.Is(err, domain.ErrLocationNotFound) {
				reason = domain.ErrLocationNotFound.Error()
			}
			logger.CtxWarn(ctx, "Could not resolve %s: %v", targets[i].Value, err)
			mu.Lock()
			failed[i] = Unresolved{TargetID: targets[i].ID, Value: targets[i].Value, Reason: reason}
			mu.Unlock()
		})
	}
	wp.Wait()

	var out []Unresolved
	for i := range targets {
		if u, ok := failed[i]; ok {
			out = append(out, u)
		}
	}
	return out
}

// knownHeaders are first-row cells treated as a header rather than data.
var knownHeaders = map[string]struct{}{"value": {}, "target": {}, "targets": {}}

// ParseRows reads a CSV or newline-delimited upload and returns the column
// holding targets of type t. A first row naming the type (or "value"/"target")
// is a header and is skipped; when the header has several columns, the one
// naming the type is used.
func ParseRows(r io.Reader, t domain.TargetType) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	var rows []string
	col := 0
	first := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read batch: %w", err)
		}
		if first {
			first = false
			if idx, ok := headerColumn(rec, t); ok {
				col = idx
				continue
			}
		}
		if col < len(rec) {
			rows = append(rows, rec[col])
		} else {
			rows = append(rows, "")
		}
	}
	return rows, nil
}

func headerColumn(rec []string, t domain.TargetType) (int, bool) {
	fallback := -1
	for i, cell := range rec {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(cell, "\ufeff")))
		if name == string(t) {
			return i, true
		}
		if _, ok := knownHeaders[name]; ok && fallback < 0 {
			fallback = i
		}
	}
	if fallback >= 0 {
		return fallback, true
	}
	return 0, false
}
