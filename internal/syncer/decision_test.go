package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	changed := func(at time.Time) *ChangePreview {
		return &ChangePreview{HasChanges: true, LatestChange: at}
	}
	quiet := &ChangePreview{}
	grace := Policy{Grace: 2 * time.Second}

	tests := []struct {
		name    string
		bc      *ChangePreview
		premium *ChangePreview
		policy  Policy
		want    string
	}{
		{"nothing changed", quiet, quiet, grace, DirectionNone},
		{"nil previews", nil, nil, grace, DirectionNone},
		{"only bc", changed(base), quiet, grace, DirectionBCToPremium},
		{"only premium", quiet, changed(base), grace, DirectionPremiumToBC},
		{"tie within grace prefers bc", changed(base), changed(base.Add(500 * time.Millisecond)), Policy{PreferBC: true, Grace: 2 * time.Second}, DirectionBCToPremium},
		{"tie within grace prefers premium", changed(base), changed(base.Add(500 * time.Millisecond)), grace, DirectionPremiumToBC},
		{"exactly at grace is a tie", changed(base.Add(2 * time.Second)), changed(base), grace, DirectionPremiumToBC},
		{"bc newer", changed(base.Add(3 * time.Second)), changed(base), grace, DirectionBCToPremium},
		{"premium newer", changed(base), changed(base.Add(3 * time.Second)), Policy{PreferBC: true, Grace: 2 * time.Second}, DirectionPremiumToBC},
		{"missing timestamp falls back to policy", changed(time.Time{}), changed(base), Policy{PreferBC: true}, DirectionBCToPremium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.bc, tt.premium, tt.policy)
			assert.Equal(t, tt.want, d.Decision)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestDecideReasonMentionsPolicy(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	d := Decide(
		&ChangePreview{HasChanges: true, LatestChange: base},
		&ChangePreview{HasChanges: true, LatestChange: base.Add(time.Second)},
		Policy{PreferBC: true, Grace: 2 * time.Second},
	)
	assert.Contains(t, d.Reason, "preferBc=true")
	assert.Contains(t, d.Reason, "2000ms")
}
