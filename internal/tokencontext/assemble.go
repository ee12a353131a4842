package tokencontext

import (
	"fmt"
	"sort"

	"github.com/haasonsaas/zubot/pkg/models"
)

// Input describes one assembly call.
type Input struct {
	State                 *State
	SessionSummary        string
	RecentEvents          []models.RecentEvent
	MaxContextTokens       int
	ReservedOutputTokens   int
}

// Result is what Assemble produces: the ordered messages ready for the LLM
// client, the
// final budget check, and bookkeeping about what had to be dropped so the
// caller can persist an updated rolling summary.
type Result struct {
	Messages            []models.Message
	Budget               Budget
	DroppedSupplemental  []string
	CompactedHistory      string
	RecentEventsDropped  int
}

// Assemble builds the ordered message list: base system messages
// sorted by source_id, then the rolling session summary, then supplemental
// system messages sorted by source_id, then fact system messages in
// insertion order, then recent events translated to role messages. When over budget, optional supplemental items drop
// last-in-first-out (by insertion order, not sort order), then recent events
// drop oldest-first with their content folded into the session summary.
func Assemble(in Input) Result {
	if in.State == nil {
		in.State = NewState()
	}

	base := sortedByID(in.State.ByPriority(models.PriorityBase))
	supplementalInsertionOrder := in.State.ByPriority(models.PrioritySupplemental)
	facts := in.State.ByPriority(models.PriorityFact)

	dropped := map[string]bool{}
	summary := in.SessionSummary
	recentCut := 0 // events [0:recentCut] have been folded into summary and dropped

	for {
		msgs := render(base, supplementalInsertionOrder, dropped, facts, summary, in.RecentEvents[recentCut:])
		total := 0
		for _, m := range msgs {
			total += EstimateMessageTokens(string(m.Role), m.Content)
		}
		budget := ComputeBudget(total, in.MaxContextTokens, in.ReservedOutputTokens)
		if budget.WithinBudget {
			return Result{
				Messages:            msgs,
				Budget:              budget,
				DroppedSupplemental: droppedIDs(dropped),
				CompactedHistory:    summary,
				RecentEventsDropped: recentCut,
			}
		}

		// Drop supplemental LIFO by insertion order first.
		if id, ok := nextSupplementalToDrop(supplementalInsertionOrder, dropped); ok {
			dropped[id] = true
			continue
		}

		// Fold the oldest remaining recent event into the summary.
		if recentCut < len(in.RecentEvents) {
			ev := in.RecentEvents[recentCut]
			summary = foldIntoSummary(summary, ev)
			recentCut++
			continue
		}

		// Nothing left to drop; report the final (still-over-budget) state.
		return Result{
			Messages:            msgs,
			Budget:              budget,
			DroppedSupplemental: droppedIDs(dropped),
			CompactedHistory:    summary,
			RecentEventsDropped: recentCut,
		}
	}
}

func sortedByID(items []models.ContextItem) []models.ContextItem {
	out := append([]models.ContextItem{}, items...)
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

func nextSupplementalToDrop(insertionOrder []models.ContextItem, dropped map[string]bool) (string, bool) {
	for i := len(insertionOrder) - 1; i >= 0; i-- {
		if !dropped[insertionOrder[i].SourceID] {
			return insertionOrder[i].SourceID, true
		}
	}
	return "", false
}

func droppedIDs(dropped map[string]bool) []string {
	var out []string
	for id := range dropped {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func foldIntoSummary(summary string, ev models.RecentEvent) string {
	line := fmt.Sprintf("CompactedHistory: [%s] %s", ev.Role, ev.Content)
	if summary == "" {
		return line
	}
	return summary + "\n" + line
}

func render(base, supplementalInsertionOrder []models.ContextItem, dropped map[string]bool, facts []models.ContextItem, summary string, recent []models.RecentEvent) []models.Message {
	var out []models.Message
	for _, item := range base {
		out = append(out, models.Message{Role: models.RoleSystem, Content: item.Content})
	}
	if summary != "" {
		out = append(out, models.Message{Role: models.RoleSystem, Content: "Session summary: " + summary})
	}
	supplemental := sortedByID(supplementalInsertionOrder)
	for _, item := range supplemental {
		if dropped[item.SourceID] {
			continue
		}
		out = append(out, models.Message{Role: models.RoleSystem, Content: item.Content})
	}
	for _, item := range facts {
		out = append(out, models.Message{Role: models.RoleSystem, Content: item.Content})
	}
	for _, ev := range recent {
		out = append(out, models.Message{Role: ev.Role, Content: ev.Content})
	}
	return out
}
