// Package resource decides how much memtier may hold and throttles its
// background work.
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                         Controller                           │
//	├──────────────────┬──────────────────┬────────────────────────┤
//	│  Budget          │  Background      │  IO Rate Limiter       │
//	│  (probe + policy)│  Workers (sem)   │  (token bucket)        │
//	├──────────────────┼──────────────────┼────────────────────────┤
//	│  Refresh         │  AcquireBack-    │  AcquireIO             │
//	│  CurrentBudget   │  ground          │  RateLimitedWriter     │
//	│  CheckCapacity   │  TryAcquire      │                        │
//	└──────────────────┴──────────────────┴────────────────────────┘
//
// # Budget
//
// Refresh samples a MemoryProbe, takes min(available, CeilingFraction ×
// total), reserves CacheFraction of it for the embedding cache and splits
// the rest across tiers by weight and BytesPerVector. An adaptive scaling
// factor shrinks the budget under memory pressure and grows it when tiers
// fill up while memory is plentiful; every change is kept in a bounded
// history. The budget is an immutable value swapped atomically, so readers
// never block a refresh.
//
// CheckCapacity is advisory: two inserts racing past the check may jointly
// overshoot, and the next refresh sees the real counts.
//
// # Nil Safety
//
// All methods handle a nil Controller; a nil controller never limits.
package resource
