package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"

	"github.com/hupe1980/memtier"
)

type recordView struct {
	ID             string    `json:"id"`
	Tier           string    `json:"tier"`
	Text           string    `json:"text"`
	Kind           string    `json:"kind,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Project        string    `json:"project,omitempty"`
	Session        string    `json:"session,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    uint64    `json:"access_count"`
	Score          *float32  `json:"score,omitempty"`
}

func viewRecord(r *memtier.Record) recordView {
	return recordView{
		ID:             r.ID,
		Tier:           r.Tier.String(),
		Text:           r.Text,
		Kind:           r.Kind,
		Tags:           r.Tags,
		Project:        r.Project,
		Session:        r.Session,
		CreatedAt:      r.CreatedAt,
		LastAccessedAt: r.LastAccessedAt,
		AccessCount:    r.AccessCount,
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRecords(w io.Writer, format string, recs []recordView) error {
	if format == "json" {
		return writeJSON(w, recs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range recs {
		score := ""
		if r.Score != nil {
			score = fmt.Sprintf("%.3f", *r.Score)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Tier, score, oneLine(r.Text, 80))
	}
	return tw.Flush()
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
