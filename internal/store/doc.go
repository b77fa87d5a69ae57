// Package store defines the persistence contract for audit results: the
// observation categories written per capture and the repository that stores
// them. Implementations live in other packages; this package must not import
// database drivers or concrete clients.
package store
