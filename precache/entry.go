package precache

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const entryVersion = 1

// Entry is the unit stored against a qualified key. Entries are replaced
// wholesale on every fetch.
type Entry struct {
	// Status is the upstream status code, 0 if the upstream was unreachable.
	Status int
	// Body is the raw upstream payload, never interpreted by the cache.
	Body []byte
	// RefreshableAfter is the instant the entry becomes stale.
	RefreshableAfter time.Time
	// StoredAt is when the entry was fetched.
	StoredAt time.Time
	// Method and Path describe the upstream call so it can be re-issued.
	Method string
	Path   string
	// Failures counts consecutive failed fetches, 0 after a success.
	Failures int
}

// Failed reports whether the entry records an upstream failure.
func (e *Entry) Failed() bool {
	return e.Status == 0 || e.Status >= 400
}

// FreshAt reports whether the entry is still fresh at t.
func (e *Entry) FreshAt(t time.Time) bool {
	return t.Before(e.RefreshableAfter)
}

type wireEntry struct {
	Version          int8   `msgpack:"v"`
	Status           int    `msgpack:"s"`
	Body             []byte `msgpack:"b"`
	RefreshableAfter *int64 `msgpack:"r,omitempty"`
	StoredAt         *int64 `msgpack:"t,omitempty"`
	Method           string `msgpack:"m"`
	Path             string `msgpack:"p"`
	Failures         int    `msgpack:"f"`
	Checksum         uint64 `msgpack:"c"`
}

// toUnix returns nil for the zero time, which has no UnixNano value.
func toUnix(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromUnix(n *int64) time.Time {
	if n == nil {
		return time.Time{}
	}
	return time.Unix(0, *n).UTC()
}

// Encode serializes an entry into the store's value format.
func Encode(e *Entry) ([]byte, error) {
	data, err := msgpack.Marshal(&wireEntry{
		Version:          entryVersion,
		Status:           e.Status,
		Body:             e.Body,
		RefreshableAfter: toUnix(e.RefreshableAfter),
		StoredAt:         toUnix(e.StoredAt),
		Method:           e.Method,
		Path:             e.Path,
		Failures:         e.Failures,
		Checksum:         xxhash.Sum64(e.Body),
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode cache entry")
	}
	return data, nil
}

// Decode parses a stored value. Every failure is marked ErrSerialization.
func Decode(data []byte) (*Entry, error) {
	var w wireEntry
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode cache entry"), ErrSerialization)
	}
	if w.Version != entryVersion {
		return nil, errors.Mark(errors.Newf("unsupported cache entry version %d", w.Version), ErrSerialization)
	}
	if xxhash.Sum64(w.Body) != w.Checksum {
		return nil, errors.Mark(errors.New("cache entry checksum mismatch"), ErrSerialization)
	}
	return &Entry{
		Status:           w.Status,
		Body:             w.Body,
		RefreshableAfter: fromUnix(w.RefreshableAfter),
		StoredAt:         fromUnix(w.StoredAt),
		Method:           w.Method,
		Path:             w.Path,
		Failures:         w.Failures,
	}, nil
}
