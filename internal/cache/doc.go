// Package cache provides an LRU cache for immutable blocks.
//
// blobstore.CachingStore keeps raw object blocks here (KindBlock) and objstore
// can keep decoded pages (KindPage). Memory can be accounted against a
// resource.Controller, in which case a block the controller refuses is simply
// not cached.
package cache
