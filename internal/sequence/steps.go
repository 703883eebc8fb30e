package sequence

import (
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// SelectDueStep returns the lowest-numbered step that has not been executed.
// It is pure: the same steps always give the same answer.
func SelectDueStep(steps []models.InstanceStep) (models.InstanceStep, bool) {
	var best models.InstanceStep
	found := false
	for _, st := range steps {
		if st.Executed {
			continue
		}
		if !found || st.StepNumber < best.StepNumber {
			best = st
			found = true
		}
	}
	return best, found
}

// NextStepAfter returns the lowest-numbered unexecuted step whose number is
// greater than stepNumber.
func NextStepAfter(steps []models.InstanceStep, stepNumber int) (models.InstanceStep, bool) {
	var best models.InstanceStep
	found := false
	for _, st := range steps {
		if st.Executed || st.StepNumber <= stepNumber {
			continue
		}
		if !found || st.StepNumber < best.StepNumber {
			best = st
			found = true
		}
	}
	return best, found
}

// DueAt is the instant a step becomes due. Delays count whole days from
// the sequence start, never from the previous step.
func DueAt(startedAt time.Time, delayDays int) time.Time {
	return startedAt.UTC().AddDate(0, 0, delayDays)
}

// firstTemplateStep returns the template step with the smallest number.
func firstTemplateStep(steps []models.TemplateStep) (models.TemplateStep, bool) {
	if len(steps) == 0 {
		return models.TemplateStep{}, false
	}
	first := steps[0]
	for _, st := range steps[1:] {
		if st.StepNumber < first.StepNumber {
			first = st
		}
	}
	return first, true
}
