package service

import (
    "context"
    "encoding/json"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/funnel-ingest/internal/model"
)

func TestPlanOnlyMovesForward(t *testing.T) {
    at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
    c := model.Contact{Stage: model.StageMeetingHeld, StageStamps: map[string]time.Time{}}

    tr := Plan(c, model.EventMeetingBooked, at)
    assert.False(t, tr.Advanced)
    assert.Equal(t, model.StageMeetingHeld, tr.NewStage)
    // The first-reached time is still recorded for a skipped stage.
    assert.Equal(t, at, tr.Stamps["meeting_booked_at"])

    tr = Plan(c, model.EventPurchased, at)
    assert.True(t, tr.Advanced)
    assert.Equal(t, model.StagePurchased, tr.NewStage)
    assert.Equal(t, model.StageMeetingHeld, tr.PreviousStage)
}

func TestPlanKeepsExistingStamp(t *testing.T) {
    first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
    c := model.Contact{Stage: model.StageMeetingBooked, StageStamps: map[string]time.Time{"meeting_booked_at": first}}
    tr := Plan(c, model.EventMeetingBooked, first.Add(48*time.Hour))
    assert.False(t, tr.Advanced)
    assert.Empty(t, tr.Stamps)
}

func TestPlanSubEventsNeverMoveStage(t *testing.T) {
    c := model.Contact{Stage: model.StageMeetingBooked}
    for _, et := range []model.EventType{model.EventMeetingNoShow, model.EventMeetingCanceled, model.EventContactUpdated, "weird_thing"} {
        tr := Plan(c, et, time.Now())
        assert.False(t, tr.Advanced, et)
        assert.Empty(t, tr.Stamps, et)
    }
}

func TestCanonicalEventType(t *testing.T) {
    assert.Equal(t, model.EventMeetingHeld, CanonicalEventType(model.EventMeetingHeld))
    assert.Equal(t, model.EventPaymentRefunded, CanonicalEventType(model.EventPaymentRefunded))
    assert.Equal(t, model.EventContactUpdated, CanonicalEventType("tag_added"))
}

func TestAdvanceLogsAndMovesStage(t *testing.T) {
    f := newFixture(t)
    c := f.contact(t, model.Contact{Email: strp("ann@example.com")})
    at := time.Date(2026, 2, 2, 9, 30, 0, 0, time.UTC)

    tr, err := f.funnel.Advance(context.Background(), c, Occurrence{
        EventType:     model.EventMeetingBooked,
        Source:        model.PlatformCalendly,
        SourceEventID: "inv-1",
        OccurredAt:    at,
        Payload:       json.RawMessage(`{"x":1}`),
    })
    require.NoError(t, err)
    assert.True(t, tr.Advanced)
    assert.NotZero(t, tr.EventID)

    got := f.reload(t, c.ID)
    assert.Equal(t, model.StageMeetingBooked, got.Stage)
    assert.Equal(t, at, got.StageStamps["meeting_booked_at"])

    evs := f.store.FunnelEvents().ForContact(c.ID)
    require.Len(t, evs, 1)
    assert.Equal(t, model.EventMeetingBooked, evs[0].EventType)
    assert.JSONEq(t, `{"x":1}`, string(evs[0].Payload))
    // The snapshot is the contact before the transition.
    assert.Contains(t, string(evs[0].Snapshot), `"stage":"new_lead"`)
}

func TestAdvanceRegressionIsLoggedButIgnored(t *testing.T) {
    f := newFixture(t)
    c := f.contact(t, model.Contact{Email: strp("ann@example.com"), Stage: model.StagePurchased})

    tr, err := f.funnel.Advance(context.Background(), c, Occurrence{
        EventType: model.EventLinkClicked,
        Source:    model.PlatformManyChat,
    })
    require.NoError(t, err)
    assert.False(t, tr.Advanced)
    assert.Equal(t, model.StagePurchased, tr.NewStage)
    assert.Equal(t, model.StagePurchased, f.reload(t, c.ID).Stage)
    assert.Len(t, f.store.FunnelEvents().ForContact(c.ID), 1)
}

func TestAdvanceDeduplicatesSourceEventID(t *testing.T) {
    f := newFixture(t)
    c := f.contact(t, model.Contact{CRMContactID: strp("g-1")})
    occ := Occurrence{EventType: model.EventFormSubmitted, Source: model.PlatformGHL, SourceEventID: "evt-1"}

    first, err := f.funnel.Advance(context.Background(), c, occ)
    require.NoError(t, err)
    assert.False(t, first.Duplicate)

    second, err := f.funnel.Advance(context.Background(), f.reload(t, c.ID), occ)
    require.NoError(t, err)
    assert.True(t, second.Duplicate)
    assert.False(t, second.Advanced)
    assert.Len(t, f.store.FunnelEvents().ForContact(c.ID), 1)

    // The same id from another source is a different event.
    occ.Source = model.PlatformCalendly
    third, err := f.funnel.Advance(context.Background(), f.reload(t, c.ID), occ)
    require.NoError(t, err)
    assert.False(t, third.Duplicate)
}

func TestAdvanceStaleContactDoesNotDowngrade(t *testing.T) {
    f := newFixture(t)
    c := f.contact(t, model.Contact{Email: strp("ann@example.com")})
    stale := c

    _, err := f.funnel.Advance(context.Background(), c, Occurrence{EventType: model.EventPurchased, Source: model.PlatformStripe})
    require.NoError(t, err)

    // A second writer still holding the new_lead copy reports a lower stage.
    tr, err := f.funnel.Advance(context.Background(), stale, Occurrence{EventType: model.EventMeetingBooked, Source: model.PlatformCalendly})
    require.NoError(t, err)
    assert.False(t, tr.Advanced)
    assert.Equal(t, model.StagePurchased, f.reload(t, c.ID).Stage)
}

func TestRecordOrphan(t *testing.T) {
    f := newFixture(t)
    occ := Occurrence{EventType: model.EventPurchased, Source: model.PlatformStripe, SourceEventID: "evt_9"}

    id, err := f.funnel.RecordOrphan(context.Background(), f.tenant.ID, occ)
    require.NoError(t, err)
    assert.NotZero(t, id)

    id, err = f.funnel.RecordOrphan(context.Background(), f.tenant.ID, occ)
    require.NoError(t, err)
    assert.Zero(t, id)

    evs := f.store.FunnelEvents().All()
    require.Len(t, evs, 1)
    assert.Nil(t, evs[0].ContactID)
}
