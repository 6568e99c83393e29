// Copyright (C) 2025 Driftline AI (oss@driftline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"fmt"
	"strings"

	"github.com/driftline-ai/driftline/services/orchestrator/datatypes"
)

const (
	// ContextBudgetUnits is the total context budget in units.
	ContextBudgetUnits = 2400

	// CharsPerUnit converts passage length to units. Cost is the character
	// count divided by this, rounded up.
	CharsPerUnit = 4
)

// PassageCost returns the budget cost of a passage text in units.
func PassageCost(text string) int {
	return (len(text) + CharsPerUnit - 1) / CharsPerUnit
}

// SelectContext budgets enriched passages into the final context.
//
// # Description
//
// Walks the passages in the order given (best score first) and accumulates
// them until the first passage that would push the running total past
// ContextBudgetUnits. Selection stops there; later, cheaper passages are not
// considered, keeping the selection a strict prefix of the input.
//
// Selected passages are grouped by source, sources ordered by first
// appearance and passages keeping their relative order within a group. Each
// group renders as a delimited block headed by the source's display name:
//
//	--- File: "Quarterly Report" ---
//	passage text
//	passage text
//
// Blocks are joined by a blank line. Citations are the source ids of the
// groups in block order; display names appear only in block headers, since
// two documents may share a title.
//
// # Inputs
//
//   - passages: Enriched passages sorted by relevance, best first.
//
// # Outputs
//
//   - datatypes.ContextSelection: Rendered text and citations. Zero value
//     when no passage fits or the input is empty.
func SelectContext(passages []datatypes.EnrichedPassage) datatypes.ContextSelection {
	if len(passages) == 0 {
		return datatypes.ContextSelection{}
	}

	type sourceGroup struct {
		sourceID    string
		displayName string
		texts       []string
	}

	var groups []*sourceGroup
	groupIndex := make(map[string]*sourceGroup)

	total := 0
	for _, p := range passages {
		cost := PassageCost(p.Text)
		if total+cost > ContextBudgetUnits {
			break
		}
		total += cost

		g, ok := groupIndex[p.SourceID]
		if !ok {
			g = &sourceGroup{sourceID: p.SourceID, displayName: p.DisplayName}
			groupIndex[p.SourceID] = g
			groups = append(groups, g)
		}
		g.texts = append(g.texts, p.Text)
	}

	if len(groups) == 0 {
		return datatypes.ContextSelection{}
	}

	blocks := make([]string, 0, len(groups))
	citations := make([]string, 0, len(groups))
	for _, g := range groups {
		header := fmt.Sprintf("--- File: %q ---", g.displayName)
		blocks = append(blocks, header+"\n"+strings.Join(g.texts, "\n"))
		citations = append(citations, g.sourceID)
	}

	return datatypes.ContextSelection{
		Text:      strings.Join(blocks, "\n\n"),
		Citations: citations,
	}
}
