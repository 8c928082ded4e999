// Package model defines the types shared by every memtier layer.
//
// # Tiers
//
//   - Interact: short-lived, high churn; every new memory lands here by default
//   - Insights: medium-lived, curated by promotion out of Interact
//   - Assets: long-lived and stable; never expires
//
// # Records
//
//   - Record: one stored memory (ULID, vector, text, access statistics, metadata)
//   - ScoredRecord: a Record returned from a search with its distance and score
package model
