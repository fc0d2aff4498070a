package model

import "strings"

// Stage is a funnel position.  Stages are ranked; a contact's stored stage
// is the furthest one it has reached and never moves backwards.
type Stage string

const (
    StageNewLead         Stage = "new_lead"
    StageDMQualified     Stage = "dm_qualified"
    StageLinkSent        Stage = "link_sent"
    StageLinkClicked     Stage = "link_clicked"
    StageFormSubmitted   Stage = "form_submitted"
    StageMeetingBooked   Stage = "meeting_booked"
    StageMeetingHeld     Stage = "meeting_held"
    StagePackageSent     Stage = "package_sent"
    StageCheckoutStarted Stage = "checkout_started"
    StagePurchased       Stage = "purchased"
)

// stageOrder lists stages from lowest to highest rank.
var stageOrder = []Stage{
    StageNewLead,
    StageDMQualified,
    StageLinkSent,
    StageLinkClicked,
    StageFormSubmitted,
    StageMeetingBooked,
    StageMeetingHeld,
    StagePackageSent,
    StageCheckoutStarted,
    StagePurchased,
}

var stageRank = func() map[Stage]int {
    m := make(map[Stage]int, len(stageOrder))
    for i, s := range stageOrder {
        m[s] = i + 1
    }
    return m
}()

// Rank returns the position of s in the funnel starting at 1.  Unknown
// stages rank 0 so that any known stage supersedes them.
func (s Stage) Rank() int { return stageRank[s] }

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return stageRank[s] > 0 }

// AtLeast reports whether s ranks the same as or higher than other.
func (s Stage) AtLeast(other Stage) bool { return s.Rank() >= other.Rank() }

// Stages returns all stages in rank order.
func Stages() []Stage {
    out := make([]Stage, len(stageOrder))
    copy(out, stageOrder)
    return out
}

// StageFromRank is the inverse of Rank.  It returns "" for ranks outside
// the known range.
func StageFromRank(rank int) Stage {
    if rank < 1 || rank > len(stageOrder) {
        return ""
    }
    return stageOrder[rank-1]
}

// ParseStage maps a loosely formatted stage name ("Meeting Held",
// "meeting-held") to a Stage.  ok is false when the name is unknown.
func ParseStage(raw string) (Stage, bool) {
    s := strings.ToLower(strings.TrimSpace(raw))
    s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
    st := Stage(s)
    return st, st.Valid()
}

// StampColumn names the contacts column holding the first time the stage
// was reached.  new_lead has no stamp; created_at serves that purpose.
func (s Stage) StampColumn() string {
    if s == StageNewLead || !s.Valid() {
        return ""
    }
    return string(s) + "_at"
}
