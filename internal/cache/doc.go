/*
Package cache stores the byte ranges fetched for one remote file.

A Store holds Entries, each a contiguous range [Start, End) of the remote
file together with the access metadata the read path uses to grow or shrink
its next window. Entries live either in memory or, when mmap is enabled, in
files under a per-resource directory in the temp dir:

	<temp_dir>/<md5(url)>_supersqlmmap/<start>_<direction>_<last start>_..._<uuid>.supersqlmmap

The file name is the only metadata record. Updating an entry renames its
file, and a later handle for the same URL adopts the files left by an
earlier one by decoding their names. Only MmapMaxFiles entries are mapped at
once; the least recently used mapping is released first and remapped on its
next hit.

Entries expire CacheTTL after their last hit. Purge drops expired entries and
is cheap to call on every read, since it only scans once per
TTLPurgeInterval.

Lookups return the newest entry that covers the requested range. Coverage
tracks which bytes are cached as a roaring bitmap of pages, which the
prefetcher consults to skip requests that would fetch nothing new.

SweepOrphans removes per-resource directories that no live handle owns and
that have not been touched within a TTL.

A Store is not safe for concurrent use; callers hold their own lock.
*/
package cache
