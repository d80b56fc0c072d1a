// Package harvest defines the core types and consumer interfaces shared by the
// fetch, paginate, extract and persist stages of a harvest run.
package harvest
