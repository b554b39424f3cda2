// Package browse lists media folders so clients can discover files to
// request previews for. Listings are classified by extension only; actual
// content identification happens when a preview is requested.
package browse
