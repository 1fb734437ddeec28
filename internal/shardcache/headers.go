package shardcache

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/texhub/compile-api/internal/model"
)

// Response headers set by cache shards on a redirect hit.
const (
	headerZone     = "X-Zone"
	headerAllFiles = "X-All-Files"
)

func entryFromResponse(resp *http.Response) (*model.CacheEntry, error) {
	location := resp.Header.Get("Location")
	if location == "" {
		return nil, fmt.Errorf("shard redirect missing Location header")
	}

	entry := &model.CacheEntry{
		Location: location,
		Zone:     resp.Header.Get(headerZone),
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			entry.LastModified = &t
		}
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			entry.Size = n
		}
	}

	if raw := resp.Header.Get(headerAllFiles); raw != "" {
		files, err := decodeFileListing(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s header: %w", headerAllFiles, err)
		}
		entry.AllFiles = files
	}
	return entry, nil
}

// decodeFileListing accepts the build's file listing either as a raw JSON
// array or as a base64url-encoded JSON array; older shards send the former.
func decodeFileListing(raw string) ([]string, error) {
	var files []string
	if err := json.Unmarshal([]byte(raw), &files); err == nil {
		return files, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		if padded, perr := base64.URLEncoding.DecodeString(raw); perr == nil {
			decoded = padded
		} else {
			return nil, fmt.Errorf("file listing is neither JSON nor base64url: %w", err)
		}
	}
	if err := json.Unmarshal(decoded, &files); err != nil {
		return nil, fmt.Errorf("decoded file listing is not a JSON array: %w", err)
	}
	return files, nil
}
