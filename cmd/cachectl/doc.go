// Command cachectl is an operator tool for the preview cache.
//
// It opens the same SQLite bookkeeping database the server uses and supports
// inspecting totals and dropping cached previews for a single file:
//
//	cachectl stats
//	cachectl invalidate nas1 movies/holiday.mp4
//
// The CACHE_DIR environment variable selects the cache directory, matching
// the server's configuration. Run it against a stopped server or accept that
// the server may re-produce previews immediately.
package main
