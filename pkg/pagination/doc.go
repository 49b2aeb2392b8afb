// Package pagination walks OData collections by following @odata.nextLink.
//
// Pages are fetched strictly in order: page i+1 is requested only after page
// i has been decoded, because each next link is only known once the previous
// page arrives. The walk ends when a page carries no next link. A short page
// does not end the walk.
//
// Example usage:
//
//	walker := pagination.NewWalker(exec, pagination.Config{BaseURL: base}, logger)
//	result, err := walker.Walk(ctx, "accounts", 5000)
//
// Any failure aborts the walk and returns a *FetchError; partial results are
// never returned.
package pagination
