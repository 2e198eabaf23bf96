package engine

import (
	"context"
	"log"

	"github.com/ShayCichocki/concerto/pkg/models"
)

// RunPartFunc executes one part and returns its result. Implementations
// must convert timeouts and failures into a failed PartResult rather than
// panicking, so the pool's accounting stays intact.
type RunPartFunc func(ctx context.Context, part models.Part) models.PartResult

// PlanRequest carries the context for a re-planning query: everything
// gathered so far plus the remaining part budget.
type PlanRequest struct {
	// Results are the part results gathered so far, in completion order.
	Results []models.PartResult
	// ScheduledIDs lists every part id already scheduled.
	ScheduledIDs []string
	// RemainingBudget is maxTotalParts minus the parts planned so far.
	RemainingBudget int
}

// PlanResponse is the planner's answer to a re-planning query.
type PlanResponse struct {
	// Done signals that no further work will be planned. Parts already
	// queued still run to completion.
	Done bool
	// Parts are newly proposed parts. Ids already scheduled are silently
	// dropped.
	Parts []models.Part
}

// PlanFunc issues a re-planning query. An error stops further planning but
// is non-fatal to parts already scheduled or in flight.
type PlanFunc func(ctx context.Context, req PlanRequest) (PlanResponse, error)

// TeamLeaderOutcome is the aggregate result of a team-leader movement.
type TeamLeaderOutcome struct {
	// Planned preserves submission order across initial and re-planned
	// parts.
	Planned []models.Part
	// Results follow completion order, which need not match submission
	// order.
	Results []models.PartResult
}

// TeamLeader runs a dynamically growing set of parts through a bounded
// worker pool. Whenever the pending queue drains to the refill threshold it
// asks the planner for more work, until the planner signals done, proposes
// nothing new, fails, or the total-part budget is exhausted.
type TeamLeader struct {
	maxConcurrency  int
	refillThreshold int
	maxTotalParts   int
	runPart         RunPartFunc
	plan            PlanFunc
	onPartDone      func(models.PartResult)
}

// NewTeamLeader creates a scheduler. maxConcurrency below 1 is raised to 1.
// onPartDone may be nil.
func NewTeamLeader(maxConcurrency, refillThreshold, maxTotalParts int, runPart RunPartFunc, plan PlanFunc, onPartDone func(models.PartResult)) *TeamLeader {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &TeamLeader{
		maxConcurrency:  maxConcurrency,
		refillThreshold: refillThreshold,
		maxTotalParts:   maxTotalParts,
		runPart:         runPart,
		plan:            plan,
		onPartDone:      onPartDone,
	}
}

// Run executes the initial parts and any re-planned parts. It returns the
// outcome gathered so far even when ctx is canceled mid-run.
func (tl *TeamLeader) Run(ctx context.Context, initial []models.Part) (*TeamLeaderOutcome, error) {
	outcome := &TeamLeaderOutcome{}
	scheduled := make(map[string]bool)

	var queue []models.Part
	for _, p := range initial {
		if scheduled[p.ID] {
			continue
		}
		scheduled[p.ID] = true
		queue = append(queue, p)
		outcome.Planned = append(outcome.Planned, p)
	}

	completions := make(chan models.PartResult)
	inFlight := 0
	planningDone := tl.plan == nil

	refill := func() {
		if planningDone {
			return
		}
		budget := tl.maxTotalParts - len(outcome.Planned)
		if budget <= 0 {
			planningDone = true
			return
		}

		ids := make([]string, 0, len(scheduled))
		for _, p := range outcome.Planned {
			ids = append(ids, p.ID)
		}
		resp, err := tl.plan(ctx, PlanRequest{
			Results:         outcome.Results,
			ScheduledIDs:    ids,
			RemainingBudget: budget,
		})
		if err != nil {
			log.Printf("[teamleader] planning query failed, stopping planning: %v", err)
			planningDone = true
			return
		}

		added := false
		for _, p := range resp.Parts {
			if budget <= 0 {
				break
			}
			if scheduled[p.ID] {
				continue
			}
			scheduled[p.ID] = true
			queue = append(queue, p)
			outcome.Planned = append(outcome.Planned, p)
			budget--
			added = true
		}

		// Done, a duplicate-only proposal, or an empty one all mean the
		// planner has no further work.
		if resp.Done || !added {
			planningDone = true
		}
	}

	for {
		if ctx.Err() != nil {
			planningDone = true
			queue = nil
		}

		for inFlight < tl.maxConcurrency && len(queue) > 0 {
			part := queue[0]
			queue = queue[1:]
			inFlight++
			go func(p models.Part) {
				completions <- tl.runPart(ctx, p)
			}(part)
		}

		if inFlight == 0 && len(queue) == 0 {
			if planningDone {
				break
			}
			// One last chance for the planner before the pool goes idle.
			refill()
			if len(queue) == 0 {
				break
			}
			continue
		}

		res := <-completions
		inFlight--
		outcome.Results = append(outcome.Results, res)
		if tl.onPartDone != nil {
			tl.onPartDone(res)
		}

		if !planningDone && len(queue) <= tl.refillThreshold {
			refill()
		}
	}

	if err := ctx.Err(); err != nil {
		return outcome, err
	}
	return outcome, nil
}
