// Package pagination walks the pages of one bounded search query.
//
// The listing API pages with an opaque token issued by the client. Pages are
// fetched strictly in order: every token is only known after the previous
// page arrived, and the upstream sort order is what keeps the walk stable.
//
// Example usage:
//
//	walker := pagination.NewWalker(apiClient, pagination.DefaultConfig())
//	stats, err := walker.Walk(ctx, item.Query, func(ctx context.Context, page client.Page) error {
//		for _, raw := range page.Records {
//			// upsert raw
//		}
//		return nil
//	})
//
// The walker:
//   - Carries the page token from one fetch to the next
//   - Bounds every page fetch (including client retries) with a timeout
//   - Stops when the client returns an empty next token
//   - Logs progress every ProgressEvery pages
//   - Stops at the first fetch or handler error, reporting the pages done
package pagination
