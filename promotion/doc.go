// Package promotion decides when records move between tiers.
//
// Each tier keeps a TimeIndex ordering its records by creation and by last
// access. A cycle pulls the oldest slice of a tier from its index, scores
// every candidate with a Scorer, asks the Policy what to do with it and
// applies the result through a Mover:
//
//	Interact ──promote──▶ Insights ──promote──▶ Assets
//	    │                     │
//	  expire                expire
//
// Tiers are visited in promotion order and records promoted in a cycle are
// not reconsidered in the same cycle, so a record advances at most one
// tier per cycle. Only one cycle runs at a time; cycles are driven by a
// Ticker, which tests replace with a ManualTicker.
package promotion
