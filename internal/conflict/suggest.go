package conflict

import (
	"fmt"
	"time"

	"github.com/mschirtzinger/tasksync/internal/merge"
)

// ClearLead is how far one side's update must lead the other before the
// newer side is suggested outright.
const ClearLead = 5 * time.Minute

// Alternative is a policy the user could choose instead of the suggestion.
type Alternative struct {
	Policy Policy `json:"policy"`
	Reason string `json:"reason"`
}

// Suggestion is a recommended policy with a confidence in [0, 1].
type Suggestion struct {
	Policy       Policy        `json:"policy"`
	Confidence   float64       `json:"confidence"`
	Reason       string        `json:"reason"`
	Alternatives []Alternative `json:"alternatives"`
}

// Suggest recommends a policy for c.
//
//   - deletion conflicts: manual, 0.7
//   - merging yields no conflicting field: merge, 0.95
//   - one side updated more than ClearLead after the other: that side, 0.85
//   - otherwise: manual, 0.6
func (r *Resolver) Suggest(c *Conflict) Suggestion {
	if c == nil || c.Validate() != nil {
		return Suggestion{
			Policy:       PolicyManual,
			Confidence:   0.6,
			Reason:       "conflict is incomplete",
			Alternatives: []Alternative{{Policy: PolicyPreferFile, Reason: "keep whatever the file holds"}},
		}
	}

	if c.Type == TypeDeletion {
		side, _ := c.Survivor()
		keep := PolicyPreferFile
		if side == merge.SideApp {
			keep = PolicyPreferApp
		}
		return Suggestion{
			Policy:     PolicyManual,
			Confidence: 0.7,
			Reason:     "one side deleted the task; review to avoid losing edits",
			Alternatives: []Alternative{
				{Policy: keep, Reason: fmt.Sprintf("keep the %s version", side)},
				{Policy: PolicyMerge, Reason: "keep the modified version automatically"},
			},
		}
	}

	result := r.merger.Merge(c.BaseVersion, c.FileVersion, c.AppVersion, PolicyMerge)
	if !result.HasConflicts {
		return Suggestion{
			Policy:       PolicyMerge,
			Confidence:   0.95,
			Reason:       "edits touch different fields and merge cleanly",
			Alternatives: []Alternative{{Policy: PolicyManual, Reason: "review the merged task first"}},
		}
	}

	lead := c.AppVersion.UpdatedAt.Sub(c.FileVersion.UpdatedAt)
	switch {
	case lead > ClearLead:
		return Suggestion{
			Policy:     PolicyPreferApp,
			Confidence: 0.85,
			Reason:     fmt.Sprintf("app version is %s newer", lead.Round(time.Second)),
			Alternatives: []Alternative{
				{Policy: PolicyMerge, Reason: "combine both, newer value per field"},
				{Policy: PolicyManual, Reason: "decide each field"},
			},
		}
	case -lead > ClearLead:
		return Suggestion{
			Policy:     PolicyPreferFile,
			Confidence: 0.85,
			Reason:     fmt.Sprintf("file version is %s newer", (-lead).Round(time.Second)),
			Alternatives: []Alternative{
				{Policy: PolicyMerge, Reason: "combine both, newer value per field"},
				{Policy: PolicyManual, Reason: "decide each field"},
			},
		}
	}

	return Suggestion{
		Policy:     PolicyManual,
		Confidence: 0.6,
		Reason:     fmt.Sprintf("both sides changed %s within %s of each other", merge.Describe(result.Conflicts), ClearLead),
		Alternatives: []Alternative{
			{Policy: PolicyMerge, Reason: "take the newer value per field"},
		},
	}
}
