package transport

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/plasticityai/supersqlite/pkg/errors"
)

// Scheme identifies how a resource is fetched
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
	SchemeS3    Scheme = "s3"
)

// Resource is the canonical identity of one remote file
type Resource struct {
	URL    string
	Scheme Scheme
	Host   string
	Path   string

	// Bucket and Key are set for s3:// resources
	Bucket string
	Key    string
}

// ParseResource locates a remote URL inside a VFS file name. The host engine
// may prefix the name, so the first http://, https:// or s3:// occurrence is
// used, matched case-insensitively.
func ParseResource(name string) (Resource, error) {
	lower := strings.ToLower(name)

	idx := -1
	for _, prefix := range []string{"http://", "https://", "s3://"} {
		if i := strings.Index(lower, prefix); i >= 0 && (idx < 0 || i < idx) {
			idx = i
		}
	}
	if idx < 0 {
		return Resource{}, errors.NewError(errors.ErrCodeInvalidResource, "name does not contain an http, https or s3 URL").
			WithComponent("transport").
			WithContext("name", name)
	}

	raw := name[idx:]
	u, err := url.Parse(raw)
	if err != nil {
		return Resource{}, errors.Wrap(errors.ErrCodeInvalidResource, err, "invalid URL").
			WithComponent("transport").
			WithContext("name", name)
	}
	if u.Host == "" {
		return Resource{}, errors.NewError(errors.ErrCodeInvalidResource, "URL has no host").
			WithComponent("transport").
			WithContext("url", raw)
	}

	res := Resource{
		URL:    raw,
		Scheme: Scheme(strings.ToLower(u.Scheme)),
		Host:   u.Host,
		Path:   u.EscapedPath(),
	}
	if res.Path == "" {
		res.Path = "/"
	}

	if res.Scheme == SchemeS3 {
		res.Bucket = u.Host
		res.Key = strings.TrimPrefix(u.Path, "/")
		if res.Key == "" {
			return Resource{}, errors.NewError(errors.ErrCodeInvalidResource, "s3 URL has no object key").
				WithComponent("transport").
				WithContext("url", raw)
		}
	}

	return res, nil
}

// CacheKey is the hex md5 of the URL, used to name the on-disk cache directory
func (r Resource) CacheKey() string {
	sum := md5.Sum([]byte(r.URL))
	return hex.EncodeToString(sum[:])
}

// BaseName returns the last path element, or "remote.db" when the path has none
func (r Resource) BaseName() string {
	p := strings.TrimSuffix(r.Path, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[i+1:]
	}
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	if p == "" {
		return "remote.db"
	}
	return p
}
