package grouper

import (
	"sort"

	"github.com/cuemby/invrecon/pkg/types"
)

// Merge folds triggers into the smallest set of remediation groups. Within
// a hotel, a trigger joins the open group when its check_in falls on or
// before the group's check_out; otherwise the group is closed and a new one
// opened. Groups come back ordered by hotel and check_in, and members keep
// the sweep order, so the output does not depend on input order.
func Merge(triggers []types.MissingTrigger) []types.RemediationGroup {
	if len(triggers) == 0 {
		return nil
	}

	sorted := make([]types.MissingTrigger, len(triggers))
	copy(sorted, triggers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return less(sorted[i], sorted[j])
	})

	var groups []types.RemediationGroup
	for _, t := range sorted {
		if n := len(groups); n > 0 {
			open := &groups[n-1]
			if open.HotelID == t.HotelID && !t.CheckIn.After(open.CheckOut) {
				open.CheckIn = types.MinDate(open.CheckIn, t.CheckIn)
				open.CheckOut = types.MaxDate(open.CheckOut, t.CheckOut)
				open.Members = append(open.Members, t)
				continue
			}
		}
		groups = append(groups, types.RemediationGroup{
			HotelID:  t.HotelID,
			CheckIn:  t.CheckIn,
			CheckOut: t.CheckOut,
			Members:  []types.MissingTrigger{t},
		})
	}
	return groups
}

// Regroup merges the members of already formed groups again. Groups built
// by separate runs may overlap; Regroup(Merge(x)) equals Merge(x).
func Regroup(groups []types.RemediationGroup) []types.RemediationGroup {
	var members []types.MissingTrigger
	for _, g := range groups {
		members = append(members, g.Members...)
	}
	return Merge(members)
}

func less(a, b types.MissingTrigger) bool {
	if a.HotelID != b.HotelID {
		return a.HotelID < b.HotelID
	}
	if !a.CheckIn.Equal(b.CheckIn) {
		return a.CheckIn.Before(b.CheckIn)
	}
	if !a.CheckOut.Equal(b.CheckOut) {
		return a.CheckOut.Before(b.CheckOut)
	}
	if a.FirstLogID() != b.FirstLogID() {
		return a.FirstLogID() < b.FirstLogID()
	}
	return a.LogTime.Before(b.LogTime)
}
