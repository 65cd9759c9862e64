// Package records loads the input record set and partitions it into batches.
//
// Load accepts either a top-level JSON array or an object with exactly one
// array-valued property. Records stay opaque json.RawMessage values.
// Failures are typed: *config.Error for an unset or missing file,
// *ParseError for unreadable or invalid JSON, *ShapeError for any other
// shape.
package records
