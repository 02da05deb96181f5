package storage

import "strings"

// PageBuilder folds an ordered key stream into one delimiter page using
// StartAfter marker pagination. Backends that list through a marker (MinIO,
// memory) feed it every object they see until Add reports the page is full.
type PageBuilder struct {
	opts       ListOptions
	startAfter string
	lastPrefix string
	lastKey    string
	count      int
	page       ListPage
}

// NewPageBuilder decodes the page token of opts.
func NewPageBuilder(opts ListOptions) (*PageBuilder, error) {
	startAfter, err := DecodeToken(opts.PageToken)
	if err != nil {
		return nil, err
	}
	return &PageBuilder{opts: opts, startAfter: startAfter}, nil
}

// StartAfter is the marker the backend should resume listing from.
func (b *PageBuilder) StartAfter() string {
	return b.startAfter
}

// Add offers the next object in key order. It returns true once the page is
// full and a further entry exists, at which point the caller stops listing.
func (b *PageBuilder) Add(obj Object) bool {
	key := obj.Key
	if key <= b.startAfter || !strings.HasPrefix(key, b.opts.Prefix) {
		return false
	}

	entry := key
	isPrefix := false
	if d := b.opts.Delimiter; d != "" {
		rest := key[len(b.opts.Prefix):]
		if i := strings.Index(rest, d); i >= 0 {
			entry = b.opts.Prefix + rest[:i+len(d)]
			isPrefix = true
		}
	}
	if isPrefix && (entry <= b.startAfter || entry == b.lastPrefix) {
		return false
	}

	if b.opts.PageSize > 0 && b.count == b.opts.PageSize {
		b.page.NextPageToken = EncodeToken(b.lastKey)
		return true
	}

	if isPrefix {
		b.page.Prefixes = append(b.page.Prefixes, entry)
		b.lastPrefix = entry
	} else {
		b.page.Objects = append(b.page.Objects, obj)
	}
	b.lastKey = entry
	b.count++
	return false
}

// Page returns the collected page.
func (b *PageBuilder) Page() ListPage {
	return b.page
}
