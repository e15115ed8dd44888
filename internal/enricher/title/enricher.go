// Package title implements crawler.Enricher without a model: items whose
// normalized titles match exactly are grouped into one topic. It is the
// fallback when no Gemini API key is configured.
package title

import (
	"context"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/fingerprint"
)

// Model names the grouping in topic records.
const Model = "title-match"

// Enricher groups items sharing a normalized title.
type Enricher struct{}

// New returns an Enricher.
func New() *Enricher {
	return &Enricher{}
}

// Group returns one group per normalized title seen on at least two items, in
// order of first appearance. Unmatched items are left out.
func (e *Enricher) Group(ctx context.Context, items []crawler.ItemSummary) (crawler.EnrichmentResult, error) {
	if err := ctx.Err(); err != nil {
		return crawler.EnrichmentResult{}, err
	}
	byTitle := make(map[string][]crawler.ItemSummary)
	var order []string
	for _, item := range items {
		key := fingerprint.Normalize(item.Title)
		if key == "" {
			continue
		}
		if _, ok := byTitle[key]; !ok {
			order = append(order, key)
		}
		byTitle[key] = append(byTitle[key], item)
	}

	out := crawler.EnrichmentResult{Model: Model}
	for _, key := range order {
		members := byTitle[key]
		if len(members) < 2 {
			continue
		}
		group := crawler.TopicGroup{
			Title:    members[0].Title,
			Keywords: []string{key},
		}
		for _, m := range members {
			group.Fingerprints = append(group.Fingerprints, m.Fingerprint)
			if group.RepresentativeURL == "" {
				group.RepresentativeURL = m.URL
			}
		}
		out.Groups = append(out.Groups, group)
	}
	return out, nil
}
