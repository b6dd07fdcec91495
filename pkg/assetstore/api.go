// Package assetstore implements the asset store service: authenticated
// put/get/delete/list of opaque keys over HTTP, backed by a backends.Backend.
package assetstore

import "time"

// APIKeyHeader carries the shared secret on every request.
const APIKeyHeader = "x-cachier-api-key"

const (
	// AssetsPath is the route prefix for single objects: /assets/{key}.
	AssetsPath = "/assets/"
	// ListPath lists objects: /list?prefix={prefix}.
	ListPath = "/list"
	// PrefixParam is the query parameter LIST filters by.
	PrefixParam = "prefix"
)

// allowedAssetMethods is advertised in the Allow header of 405 responses.
const allowedAssetMethods = "PUT, GET, DELETE"

// ListedObject is one entry of a listing.
type ListedObject struct {
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	ETag     string    `json:"etag,omitempty"`
	Uploaded time.Time `json:"uploaded"`
}

// ListResult is the body of a LIST response. Objects is sorted by key and
// is an empty array, never null, when nothing matches.
type ListResult struct {
	Objects   []ListedObject `json:"objects"`
	Truncated bool           `json:"truncated"`
}
