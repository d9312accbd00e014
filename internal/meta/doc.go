// Package meta defines the mapping-metadata contracts consumed by the
// write path: entity mappings, property and association kinds, cascade
// styles, and foreign-key direction.
//
// The metadata model is deliberately small. It describes just enough of an
// object/relational mapping for the flush machinery to make its decisions:
//   - which associations an operation cascades across,
//   - which direction a foreign key points (drives insert ordering and
//     orphan routing),
//   - which tables (query spaces) a mutation touches.
//
// Statement generation, dialects, and identifier strategies live behind the
// executor boundary and are not modeled here.
//
// Metadata is immutable after Model construction. A Model is safe for
// concurrent readers.
package meta
