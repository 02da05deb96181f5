// Package memstore is an in-process storage.Bucket used for local development
// and tests.
package memstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/damacus/iron-cabinet/internal/storage"
)

type entry struct {
	data   []byte
	obj    storage.Object
	public bool
}

// Store keeps objects in memory, ordered by key on listing.
type Store struct {
	name string
	now  func() time.Time

	mu         sync.RWMutex
	objects    map[string]*entry
	generation int64
	cors       *storage.CORSRule
	faults     map[string]error
}

var _ storage.Bucket = (*Store)(nil)

// New creates an empty bucket.
func New(name string) *Store {
	return &Store{
		name:    name,
		now:     time.Now,
		objects: make(map[string]*entry),
		faults:  make(map[string]error),
	}
}

// SetFault makes op ("open", "move", "write", "delete", "stat", "list")
// fail for key with err. A nil err clears the fault.
func (s *Store) SetFault(op, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op+":"+key)
		return
	}
	s.faults[op+":"+key] = err
}

func (s *Store) fault(op, key string) error {
	return s.faults[op+":"+key]
}

// CORS returns the last applied CORS rule.
func (s *Store) CORS() *storage.CORSRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cors
}

func (s *Store) Name() string { return s.name }

func (s *Store) sortedKeys() []string {
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) List(ctx context.Context, opts storage.ListOptions) (storage.ListPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.fault("list", opts.Prefix); err != nil {
		return storage.ListPage{}, err
	}
	b, err := storage.NewPageBuilder(opts)
	if err != nil {
		return storage.ListPage{}, err
	}
	for _, k := range s.sortedKeys() {
		if err := ctx.Err(); err != nil {
			return storage.ListPage{}, err
		}
		if b.Add(s.objects[k].obj) {
			break
		}
	}
	return b.Page(), nil
}

func (s *Store) ListAll(ctx context.Context, prefix string) ([]storage.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.fault("list", prefix); err != nil {
		return nil, err
	}
	var out []storage.Object
	for _, k := range s.sortedKeys() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, cloneObject(s.objects[k].obj))
		}
	}
	return out, ctx.Err()
}

func (s *Store) Stat(_ context.Context, key string) (storage.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.fault("stat", key); err != nil {
		return storage.Object{}, err
	}
	e, ok := s.objects[key]
	if !ok {
		return storage.Object{}, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return cloneObject(e.obj), nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *Store) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.fault("open", key); err != nil {
		return nil, err
	}
	e, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(e.data)), nil
}

func (s *Store) Write(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault("write", key); err != nil {
		return err
	}
	s.put(key, data, contentType, nil)
	return nil
}

// Put is a convenience for seeding objects.
func (s *Store) Put(key string, data []byte, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, data, contentType, nil)
}

func (s *Store) put(key string, data []byte, contentType string, metadata map[string]string) *entry {
	sum := md5.Sum(data)
	s.generation++
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	e := &entry{
		data: data,
		obj: storage.Object{
			Key:         key,
			Size:        int64(len(data)),
			ContentType: contentType,
			Updated:     s.now(),
			Generation:  strconv.FormatInt(s.generation, 10),
			ETag:        hex.EncodeToString(sum[:]),
			MD5:         hex.EncodeToString(sum[:]),
			Metadata:    metadata,
		},
	}
	s.objects[key] = e
	return e
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault("delete", key); err != nil {
		return err
	}
	if _, ok := s.objects[key]; !ok {
		return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	delete(s.objects, key)
	return nil
}

// Move does not carry visibility over, matching object stores whose copy
// primitive resets ACLs.
func (s *Store) Move(_ context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault("move", src); err != nil {
		return err
	}
	e, ok := s.objects[src]
	if !ok {
		return fmt.Errorf("%s: %w", src, storage.ErrNotFound)
	}
	s.put(dst, e.data, e.obj.ContentType, cloneMetadata(e.obj.Metadata))
	delete(s.objects, src)
	return nil
}

func (s *Store) IsPublic(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.objects[key]
	if !ok {
		return false, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return e.public, nil
}

func (s *Store) SetPublic(_ context.Context, key string, public bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.objects[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	e.public = public
	return nil
}

func (s *Store) UpdateMetadata(_ context.Context, key string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault("write", key); err != nil {
		return err
	}
	e, ok := s.objects[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	merged := cloneMetadata(e.obj.Metadata)
	if merged == nil {
		merged = make(map[string]string)
	}
	for k, v := range metadata {
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	e.obj.Metadata = merged
	return nil
}

func (s *Store) SignedURL(_ context.Context, key string, opts storage.SignedURLOptions) (string, error) {
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}

	u := url.URL{Scheme: "memory", Host: s.name, Path: "/" + key}
	if opts.Hostname != "" {
		u.Scheme = "https"
		u.Host = opts.Hostname
	}
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(opts.Expires.Unix(), 10))
	if opts.Filename != "" {
		q.Set("response-content-disposition", storage.ContentDisposition(opts.Filename))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Store) PostPolicy(_ context.Context, key string, opts storage.PostPolicyOptions) (storage.PostPolicy, error) {
	return storage.PostPolicy{
		URL: "memory://" + s.name,
		Fields: map[string]string{
			"key":                   key,
			"Content-Type":          opts.ContentType,
			"success_action_status": strconv.Itoa(opts.SuccessStatus),
			"x-max-content-length":  strconv.FormatInt(opts.MaxSize, 10),
			"x-expires":             opts.Expires.UTC().Format(time.RFC3339),
		},
	}, nil
}

func (s *Store) SetCORS(_ context.Context, rule storage.CORSRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cors = &rule
	return nil
}

func cloneObject(o storage.Object) storage.Object {
	o.Metadata = cloneMetadata(o.Metadata)
	return o
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
