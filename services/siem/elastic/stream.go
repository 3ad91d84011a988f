// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package elastic

import (
	"context"
	"sync"

	"github.com/AleutianAI/dshield-mcp/services/siem/event"
)

// streamBatchSize is the fetch size behind the streaming iterator.
// Decoupled from the caller's chunk size so one backend page can feed
// several chunks.
const streamBatchSize = 500

// Stream opens a cursor-mode scan as an event.Iterator. The iterator
// fetches pages of streamBatchSize lazily; Next never touches the
// backend while buffered events remain.
//
// A non-empty opts.Cursor resumes a previous stream. The iterator's
// ResumeToken is the cursor of the last fully consumed page, suitable
// for handing back to Stream.
func (c *Client) Stream(ctx context.Context, opts QueryOptions) (event.Iterator, error) {
	if err := validateSortOrder(opts.SortOrder); err != nil {
		return nil, err
	}
	opts.PageSize = streamBatchSize
	opts.PageNumber = 0

	indices, err := c.DiscoverIndices(ctx)
	if err != nil {
		return nil, err
	}
	fp := Fingerprint(indices, opts)

	it := &streamIterator{
		client:  c,
		opts:    opts,
		indices: indices,
		fp:      fp,
	}
	if opts.Cursor != "" {
		cursor, err := DecodeCursor(opts.Cursor, fp)
		if err != nil {
			return nil, err
		}
		it.cursor = cursor
		it.token = opts.Cursor
	}
	it.ctx, it.cancel = context.WithCancel(ctx)
	return it, nil
}

// streamIterator walks a search_after scan page by page.
//
// Thread Safety: Next and ResumeToken may not be called concurrently;
// Cancel is safe from any goroutine.
type streamIterator struct {
	client  *Client
	opts    QueryOptions
	indices []string
	fp      QueryFingerprint

	ctx    context.Context
	cancel context.CancelFunc

	buf      []bufferedEvent
	bufIdx   int
	cursor   *Cursor
	token    string
	done     bool
	tokenMu  sync.Mutex
	lastPage PerformanceMetrics
}

// bufferedEvent pairs an event with the cursor that resumes the scan
// immediately after it. Tracking the token per event, not per page,
// lets a consumer stop mid-page and resume without losing the tail of
// the page.
type bufferedEvent struct {
	source map[string]any
	token  string
}

// Next returns the next event, fetching the next backend page when the
// buffer is drained. Returns event.ErrEOF when the scan is exhausted.
func (it *streamIterator) Next(ctx context.Context) (event.Event, error) {
	if err := it.ctx.Err(); err != nil {
		return nil, err
	}
	if it.bufIdx >= len(it.buf) {
		if it.done {
			return nil, event.ErrEOF
		}
		if err := it.fetch(ctx); err != nil {
			return nil, err
		}
		if len(it.buf) == 0 {
			it.done = true
			return nil, event.ErrEOF
		}
	}
	buffered := it.buf[it.bufIdx]
	it.bufIdx++
	it.tokenMu.Lock()
	it.token = buffered.token
	it.tokenMu.Unlock()
	return event.Event(buffered.source), nil
}

// fetch pulls one page and advances the cursor position.
func (it *streamIterator) fetch(ctx context.Context) error {
	opts := it.opts
	if it.cursor != nil {
		opts.Cursor = it.cursor.Encode()
	} else {
		opts.Cursor = ""
	}

	body := buildSearchBody(opts, it.cursor)
	raw, err := it.client.search(ctx, it.indices, body)
	if err != nil {
		return err
	}

	it.buf = it.buf[:0]
	for _, hit := range raw.Hits.Hits {
		src := hit.Source
		if src == nil {
			src = map[string]any{}
		}
		src["_id"] = hit.ID
		after := Cursor{
			SortTimestamp: sortTimestamp(hit),
			TiebreakDocID: hit.ID,
			Fingerprint:   it.fp,
		}
		it.buf = append(it.buf, bufferedEvent{source: src, token: after.Encode()})
	}
	it.bufIdx = 0
	it.lastPage = PerformanceMetrics{
		QueryTimeMs:            int64(raw.Took),
		IndicesScanned:         len(it.indices),
		TotalDocumentsExamined: raw.Hits.Total.Value,
		QueryComplexity:        ComplexitySimple,
		ShardsScanned:          raw.Shards.Successful,
	}

	if len(raw.Hits.Hits) > 0 {
		last := raw.Hits.Hits[len(raw.Hits.Hits)-1]
		it.cursor = &Cursor{
			SortTimestamp: sortTimestamp(last),
			TiebreakDocID: last.ID,
			Fingerprint:   it.fp,
		}
	}
	if len(raw.Hits.Hits) < int(opts.PageSize) {
		it.done = true
	}
	return nil
}

// Cancel releases the scan. Safe to call more than once.
func (it *streamIterator) Cancel() {
	it.cancel()
}

// ResumeToken returns the cursor after the last fetched page, or the
// cursor the stream was opened with when nothing has been fetched yet.
func (it *streamIterator) ResumeToken() string {
	it.tokenMu.Lock()
	defer it.tokenMu.Unlock()
	return it.token
}

// PageMetrics returns the cost metrics of the most recent backend page.
func (it *streamIterator) PageMetrics() PerformanceMetrics {
	return it.lastPage
}
