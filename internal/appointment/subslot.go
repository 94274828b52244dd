package appointment

import (
	"github.com/hackgods/slot-reallocation-engine/internal/timeutil"
)

// DeriveSubSlots cuts the slot window into consecutive windows of
// SlotDuration minutes. A trailing remainder shorter than SlotDuration is
// dropped, never truncated.
func DeriveSubSlots(s Slot) []SubSlot {
	return deriveWindows(s, s.StartTime, s.EndTime, s.SlotDuration)
}

func deriveWindows(s Slot, start, end timeutil.Clock, width int) []SubSlot {
	if width <= 0 || end <= start {
		return nil
	}
	out := make([]SubSlot, 0, timeutil.MinutesBetween(start, end)/width)
	for cur := start; cur+timeutil.Clock(width) <= end; cur += timeutil.Clock(width) {
		out = append(out, SubSlot{
			SlotID:    s.ID,
			Date:      s.Date,
			StartTime: cur,
			EndTime:   cur + timeutil.Clock(width),
			Capacity:  s.BucketCapacity(),
		})
	}
	return out
}

// BucketIndex returns the index of the sub-slot containing t, or -1 when t
// falls outside every whole sub-slot.
func BucketIndex(s Slot, t timeutil.Clock) int {
	if s.SlotDuration <= 0 || t < s.StartTime {
		return -1
	}
	idx := timeutil.MinutesBetween(s.StartTime, t) / s.SlotDuration
	if idx >= s.Minutes()/s.SlotDuration {
		return -1
	}
	return idx
}

func overlaps(aStart, aEnd, bStart, bEnd timeutil.Clock) bool {
	return aStart < bEnd && bStart < aEnd
}

// occupancy counts, per derived sub-slot, the capacity-holding appointments
// using it. Stream windows count overlapping appointments; wave buckets
// count appointments starting inside them.
func occupancy(s Slot, subs []SubSlot, appts []Appointment) []int {
	counts := make([]int, len(subs))
	for _, a := range appts {
		if !a.HoldsCapacity() {
			continue
		}
		if s.Mode == ModeWave {
			if idx := BucketIndex(s, a.StartTime); idx >= 0 && idx < len(counts) {
				counts[idx]++
			}
			continue
		}
		for i, sub := range subs {
			if overlaps(sub.StartTime, sub.EndTime, a.StartTime, a.EndTime) {
				counts[i]++
			}
		}
	}
	return counts
}

// AvailableSubSlots returns the sub-slots that still have room, with
// Remaining filled in.
func AvailableSubSlots(s Slot, appts []Appointment) []SubSlot {
	subs := DeriveSubSlots(s)
	counts := occupancy(s, subs, appts)
	out := make([]SubSlot, 0, len(subs))
	for i, sub := range subs {
		if counts[i] >= sub.Capacity {
			continue
		}
		sub.Remaining = sub.Capacity - counts[i]
		out = append(out, sub)
	}
	return out
}
