// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package ratelimit implements the distributed rate-limit decision core:
// the rule model, the hot-swappable rule-set snapshot, the key builder, the
// descriptor-matching engine and the decision pipeline that drives them
// against a counter store.
//
// # Overview
//
// A domain owns a list of rules, each keyed by a descriptor (key, value)
// pair and carrying a limit expressed as requests-per-unit-of-time. A
// request carries one domain and one or more descriptors; each descriptor's
// entries are matched against the domain's rules to build an evaluation set
// of counter keys, which are incremented in the counter store and compared
// against their governing limit.
//
// # Snapshot lifecycle
//
// The rule set is refreshed out of band by a Refresher pulling from a
// rulesource.Source on a fixed cadence and publishing a new Snapshot to a
// Cache. Request handling never blocks on that refresh: Cache.Load returns
// the most recently published Snapshot, or an empty one if none has been
// published yet, which keeps the service permissive (answers OK) until the
// first successful fetch.
//
// # Concurrency
//
// Engine.Evaluate fans increments for a single request's evaluation set out
// across a bounded pool of goroutines, gated by the Engine's own semaphore
// (sized by WithConnectionLimit, which cmd/steward sets to the counter
// store's pool size), and aggregates results once every increment has
// completed.
package ratelimit
