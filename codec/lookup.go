package codec

import (
	"fmt"
	"strings"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/encoding/htmlindex"
)

// resolved encodings are immutable, so entries never expire.
var (
	lookupCache = cache.New(cache.NoExpiration, 0)
	lookupGroup singleflight.Group
)

// Lookup returns a Codec for an encoding name such as "utf-8", "iso-8859-1",
// "windows-1252", "gbk" or "utf-16le". Names are matched case-insensitively
// using the WHATWG encoding index. Resolved codecs are memoized; concurrent
// lookups of the same name resolve it once.
//
// Parameters:
//   - name: The encoding label
//
// Returns:
//   - The Codec, or an error wrapping ErrUnknownEncoding
func Lookup(name string) (*Codec, error) {
	key := strings.ToLower(strings.TrimSpace(name))

	if v, found := lookupCache.Get(key); found {
		if c, ok := v.(*Codec); ok {
			return c, nil
		}
	}

	v, err, _ := lookupGroup.Do(key, func() (interface{}, error) {
		if v, found := lookupCache.Get(key); found {
			return v, nil
		}

		enc, err := htmlindex.Get(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
		}

		c, err := New(enc)
		if err != nil {
			return nil, err
		}

		lookupCache.Set(key, c, cache.NoExpiration)
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	c, ok := v.(*Codec)
	if !ok {
		return nil, fmt.Errorf("unexpected codec type for %q", name)
	}

	return c, nil
}
