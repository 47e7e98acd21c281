package zerepy

import (
	"math/rand"
	"time"

	"github.com/zerepy/matriarch/internal/agent"
)

// Day-part boundaries for time-based task weighting. Night favors
// posting, daytime favors engagement.
const (
	nightStartHour = 1
	nightEndHour   = 5
	dayStartHour   = 8
	dayEndHour     = 20
)

// effectiveWeight applies the agent's time-of-day multipliers to one
// task. Multipliers at zero are treated as 1.
func effectiveWeight(t agent.Task, m agent.TimeBasedMultipliers, now time.Time) float64 {
	w := t.Weight
	hour := now.Hour()

	if hour >= nightStartHour && hour < nightEndHour && t.Name == "post-tweet" {
		if m.TweetNightMultiplier > 0 {
			w *= m.TweetNightMultiplier
		}
	}
	if hour >= dayStartHour && hour < dayEndHour && (t.Name == "reply-to-tweet" || t.Name == "like-tweet") {
		if m.EngagementDayMultiplier > 0 {
			w *= m.EngagementDayMultiplier
		}
	}
	return w
}

// pickTask selects one task by weighted random draw. When timeBased is
// set the weights are adjusted for the current hour first. Returns
// false when no task has positive weight.
func pickTask(rng *rand.Rand, tasks []agent.Task, timeBased bool, m agent.TimeBasedMultipliers, now time.Time) (agent.Task, bool) {
	weights := make([]float64, len(tasks))
	var total float64
	for i, t := range tasks {
		w := t.Weight
		if timeBased {
			w = effectiveWeight(t, m, now)
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return agent.Task{}, false
	}

	target := rng.Float64() * total
	for i, t := range tasks {
		target -= weights[i]
		if target < 0 {
			return t, true
		}
	}
	return tasks[len(tasks)-1], true
}
