package syncer

import (
	"fmt"
	"time"
)

// Sync directions.
const (
	DirectionBCToPremium = "bcToPremium"
	DirectionPremiumToBC = "premiumToBc"
	DirectionNone        = "none"
)

// ChangePreview reports what one side has changed since its cursor, without
// committing the cursor.
type ChangePreview struct {
	HasChanges   bool      `json:"hasChanges"`
	LatestChange time.Time `json:"latestChange,omitempty"`
	ProjectNos   []string  `json:"projectNos"`
	Count        int       `json:"count"`
	Removed      []string  `json:"removed,omitempty"`

	scope      string
	nextSeq    int64
	nextLink   string
	planCursor map[string]string
}

// Decision is the outcome of comparing both previews.
type Decision struct {
	Decision string         `json:"decision"`
	Reason   string         `json:"reason"`
	BC       *ChangePreview `json:"bc"`
	Premium  *ChangePreview `json:"premium"`
}

// Policy drives tie-breaking between concurrent changes.
type Policy struct {
	PreferBC bool
	Grace    time.Duration
}

func (p Policy) preferred() string {
	if p.PreferBC {
		return DirectionBCToPremium
	}
	return DirectionPremiumToBC
}

// Decide picks the sync direction from two previews. It is a pure function.
func Decide(bc, premium *ChangePreview, policy Policy) Decision {
	d := Decision{BC: bc, Premium: premium}
	bcChanged := bc != nil && bc.HasChanges
	premiumChanged := premium != nil && premium.HasChanges

	switch {
	case !bcChanged && !premiumChanged:
		d.Decision = DirectionNone
		d.Reason = "no changes on either side"
	case bcChanged && !premiumChanged:
		d.Decision = DirectionBCToPremium
		d.Reason = "only bc changed"
	case premiumChanged && !bcChanged:
		d.Decision = DirectionPremiumToBC
		d.Reason = "only premium changed"
	case bc.LatestChange.IsZero() || premium.LatestChange.IsZero():
		d.Decision = policy.preferred()
		d.Reason = fmt.Sprintf("both changed without comparable timestamps; preferBc=%t", policy.PreferBC)
	default:
		diff := bc.LatestChange.Sub(premium.LatestChange)
		if diff < 0 {
			diff = -diff
		}
		switch {
		case diff <= policy.Grace:
			d.Decision = policy.preferred()
			d.Reason = fmt.Sprintf("both changed within %dms grace; preferBc=%t", policy.Grace.Milliseconds(), policy.PreferBC)
		case bc.LatestChange.After(premium.LatestChange):
			d.Decision = DirectionBCToPremium
			d.Reason = fmt.Sprintf("bc change is newer by %dms", diff.Milliseconds())
		default:
			d.Decision = DirectionPremiumToBC
			d.Reason = fmt.Sprintf("premium change is newer by %dms", diff.Milliseconds())
		}
	}
	return d
}
