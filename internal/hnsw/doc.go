// Package hnsw implements Hierarchical Navigable Small World graphs.
//
// Nodes live in an arena addressed by dense uint32 ids. Each node stores its
// level and one neighbor id list per layer; vectors are kept in a flat
// float32 slab indexed by node id. Callers address nodes by string keys.
//
// # Parameters
//
//   - M: max connections per node on upper layers; layer 0 allows 2*M
//   - EFConstruction: candidate list size while linking a new node
//   - EFSearch: default candidate list size while searching
//   - MaxElements: live node ceiling, ErrCapacityExceeded past it
//
// Removal is logical: the node is tombstoned and stays navigable, but is
// never returned. Once tombstones pass CompactThreshold of the arena the
// graph is rebuilt from live nodes.
//
// # Reference
//
// Malkov & Yashunin, "Efficient and robust approximate nearest neighbor search
// using Hierarchical Navigable Small World graphs", IEEE TPAMI 2018.
package hnsw
