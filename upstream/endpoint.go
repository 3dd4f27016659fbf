package upstream

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/casework/precache/precache"
)

// KeyPlaceholder is replaced by the escaped cache key in endpoint paths.
const KeyPlaceholder = "{key}"

// Endpoint is one cacheable upstream call, parameterised by the cache key.
type Endpoint struct {
	Client *Client
	Method string
	// Path is a template such as "/offenders/{key}/summary".
	Path string
}

// Expand substitutes key into a path template.
func Expand(template, key string) string {
	return strings.ReplaceAll(template, KeyPlaceholder, url.PathEscape(key))
}

// Call returns the call descriptor for key.
func (e Endpoint) Call(key string) precache.Call {
	method := e.Method
	if method == "" {
		method = http.MethodGet
	}
	return precache.Call{Method: strings.ToUpper(method), Path: Expand(e.Path, key)}
}

// Fetch returns the call descriptor for key and a fetch function issuing it.
func (e Endpoint) Fetch(key string) (precache.Call, precache.FetchFunc) {
	call := e.Call(key)
	return call, func(ctx context.Context) (*precache.Response, error) {
		return e.Client.Do(ctx, call)
	}
}
