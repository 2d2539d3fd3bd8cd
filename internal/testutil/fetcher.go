package testutil

import (
	"context"

	"github.com/artemis-suite/artemis/internal/fetch"
)

// FetchOutcome is the terminal result a test hands back to a held transfer.
type FetchOutcome struct {
	Result *fetch.Result
	Err    error
}

// FetchCall is one in-flight transfer the test controls. Progress can be
// driven through the callback; sending on Release finishes the call.
type FetchCall struct {
	Req      fetch.Request
	Progress fetch.ProgressFunc
	Release  chan FetchOutcome
}

// FakeFetcher hands each Fetch invocation to the test over Calls and blocks
// until the test releases it or the context ends. Auto, when set, releases
// every call immediately with the given outcome.
type FakeFetcher struct {
	Calls chan FetchCall
	Auto  *FetchOutcome
}

// NewFakeFetcher builds a fake that can hold up to capacity concurrent calls.
func NewFakeFetcher(capacity int) *FakeFetcher {
	return &FakeFetcher{Calls: make(chan FetchCall, capacity)}
}

// Fetch implements fetch.Fetcher.
func (f *FakeFetcher) Fetch(ctx context.Context, req fetch.Request, onProgress fetch.ProgressFunc) (*fetch.Result, error) {
	if f.Auto != nil {
		return f.Auto.Result, f.Auto.Err
	}

	call := FetchCall{Req: req, Progress: onProgress, Release: make(chan FetchOutcome, 1)}
	select {
	case f.Calls <- call:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-call.Release:
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
