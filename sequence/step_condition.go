package sequence

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"sequencer/models"
)

// Evaluate applies the predicates to the subscriber and enrollment metadata.
func (c *ConditionStep) Evaluate(sub *models.Subscriber, metadata map[string]any) bool {
	if len(c.Conditions) == 0 {
		return false
	}
	matchAny := c.Match == "any"
	for _, p := range c.Conditions {
		ok := p.matches(sub, metadata)
		if matchAny && ok {
			return true
		}
		if !matchAny && !ok {
			return false
		}
	}
	return !matchAny
}

func (p Predicate) matches(sub *models.Subscriber, metadata map[string]any) bool {
	want := ""
	if p.Value != nil {
		want = fmt.Sprint(p.Value)
	}

	if p.Operator == "has_tag" {
		for _, tag := range sub.TagNames() {
			if strings.EqualFold(tag, want) {
				return true
			}
		}
		return false
	}

	got, present := lookupField(p.Field, sub, metadata)
	switch p.Operator {
	case "exists":
		return present && got != ""
	case "not_exists":
		return !present || got == ""
	case "equals":
		return present && strings.EqualFold(got, want)
	case "not_equals":
		return !present || !strings.EqualFold(got, want)
	case "contains":
		return present && strings.Contains(strings.ToLower(got), strings.ToLower(want))
	case "not_contains":
		return !present || !strings.Contains(strings.ToLower(got), strings.ToLower(want))
	case "starts_with":
		return present && strings.HasPrefix(strings.ToLower(got), strings.ToLower(want))
	case "ends_with":
		return present && strings.HasSuffix(strings.ToLower(got), strings.ToLower(want))
	case "greater_than", "less_than":
		a, errA := strconv.ParseFloat(got, 64)
		b, errB := strconv.ParseFloat(want, 64)
		if !present || errA != nil || errB != nil {
			return false
		}
		if p.Operator == "greater_than" {
			return a > b
		}
		return a < b
	}
	return false
}

// lookupField resolves subscriber attributes, "fields.<name>" custom
// fields and "metadata.<key>" enrollment metadata. A bare unknown name is
// looked up as a custom field.
func lookupField(field string, sub *models.Subscriber, metadata map[string]any) (string, bool) {
	switch field {
	case "email":
		return sub.Email, true
	case "first_name":
		return sub.FirstName, true
	case "last_name":
		return sub.LastName, true
	case "status":
		return string(sub.Status), true
	case "source":
		return sub.Source, true
	case "tags":
		tags := sub.TagNames()
		return strings.Join(tags, ","), len(tags) > 0
	}

	if name, ok := strings.CutPrefix(field, "fields."); ok {
		return sub.FieldValue(name)
	}
	if key, ok := strings.CutPrefix(field, "metadata."); ok {
		v, ok := metadata[key]
		if !ok || v == nil {
			return "", false
		}
		return fmt.Sprint(v), true
	}
	return sub.FieldValue(field)
}

func (r *stepRun) VisitCondition(ctx context.Context, c *ConditionStep) (Outcome, error) {
	for _, target := range []*uint{c.TrueStepID, c.FalseStepID} {
		if target == nil {
			continue
		}
		if err := r.checkBranchTarget(*target); err != nil {
			return Outcome{}, err
		}
	}

	sub, err := r.subscriber(ctx)
	if err != nil {
		return Outcome{}, err
	}

	matched := c.Evaluate(sub, r.enrollment.Metadata)
	next := c.FalseStepID
	if matched {
		next = c.TrueStepID
	}

	result := map[string]any{resultMatched: matched}
	if next != nil {
		result[resultNextStep] = *next
	}
	return Outcome{Status: models.ExecutionCompleted, NextStepID: next, Result: result}, nil
}

// checkBranchTarget accepts only steps later in the same sequence, so a
// branch can never revisit a step.
func (r *stepRun) checkBranchTarget(id uint) error {
	for _, st := range r.sequence.Steps {
		if st.ID != id {
			continue
		}
		if st.StepOrder < r.step.StepOrder || (st.StepOrder == r.step.StepOrder && st.ID <= r.step.ID) {
			return invalid("branch", "step %d does not come after condition step %d", id, r.step.ID)
		}
		return nil
	}
	return invalid("branch", "step %d is not part of sequence %d", id, r.sequence.ID)
}
