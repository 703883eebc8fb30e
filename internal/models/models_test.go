package models

import (
	"errors"
	"testing"
	"time"
)

func TestTransitionTable(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		from    SequenceStatus
		action  Action
		want    SequenceStatus
		wantErr bool
	}{
		{StatusActive, ActionPause, StatusPaused, false},
		{StatusPaused, ActionResume, StatusActive, false},
		{StatusActive, ActionCancel, StatusCancelled, false},
		{StatusPaused, ActionCancel, StatusCancelled, false},
		{StatusPaused, ActionPause, "", true},
		{StatusActive, ActionResume, "", true},
		{StatusCompleted, ActionPause, "", true},
		{StatusCompleted, ActionResume, "", true},
		{StatusCompleted, ActionCancel, "", true},
		{StatusCancelled, ActionCancel, "", true},
		{StatusCancelled, ActionResume, "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_"+string(tt.action), func(t *testing.T) {
			patch, err := Transition(tt.from, tt.action, now)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidStateTransition) {
					t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
				}
				var te *TransitionError
				if !errors.As(err, &te) || te.From != tt.from || te.Action != tt.action {
					t.Errorf("expected TransitionError{%s,%s}, got %v", tt.from, tt.action, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if patch.Status != tt.want {
				t.Errorf("expected status %s, got %s", tt.want, patch.Status)
			}
		})
	}
}

func TestTransitionSideEffects(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	due := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	inst := SequenceInstance{Status: StatusActive, NextDueAt: &due, CurrentStep: 1, TotalSteps: 3}
	patch, err := Transition(inst.Status, ActionPause, now)
	if err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	patch.Apply(&inst)
	if inst.PausedAt == nil || !inst.PausedAt.Equal(now) {
		t.Errorf("expected pausedAt %v, got %v", now, inst.PausedAt)
	}
	if inst.NextDueAt == nil || !inst.NextDueAt.Equal(due) {
		t.Errorf("pause must keep nextDueAt, got %v", inst.NextDueAt)
	}

	patch, err = Transition(inst.Status, ActionResume, now)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	patch.Apply(&inst)
	if inst.PausedAt != nil {
		t.Errorf("resume must clear pausedAt")
	}
	if inst.Status != StatusActive {
		t.Errorf("expected ACTIVE, got %s", inst.Status)
	}

	patch, err = Transition(inst.Status, ActionCancel, now)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	patch.Apply(&inst)
	if inst.NextDueAt != nil || inst.CompletedAt == nil {
		t.Errorf("cancel must clear nextDueAt and set completedAt, got next=%v completed=%v", inst.NextDueAt, inst.CompletedAt)
	}
}

func TestParseAction(t *testing.T) {
	for _, in := range []string{"pause", " Resume ", "CANCEL"} {
		if _, err := ParseAction(in); err != nil {
			t.Errorf("ParseAction(%q) unexpected error: %v", in, err)
		}
	}
	if _, err := ParseAction("restart"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for unknown action, got %v", err)
	}
}

func TestSequenceTemplateValidate(t *testing.T) {
	valid := SequenceTemplate{
		Name:   "Intro",
		Active: true,
		Steps: []TemplateStep{
			{StepNumber: 1, Channel: ChannelEmail, Subject: "Hi", Body: "Hello {{firstName}}", DelayDays: 0},
			{StepNumber: 2, Channel: ChannelWhatsApp, Body: "Ping", DelayDays: 2},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid template, got %v", err)
	}

	tests := []struct {
		name  string
		steps []TemplateStep
	}{
		{"email without subject", []TemplateStep{{StepNumber: 1, Channel: ChannelEmail, Body: "x"}}},
		{"negative delay", []TemplateStep{{StepNumber: 1, Channel: ChannelSMS, Body: "x", DelayDays: -1}}},
		{"unknown channel", []TemplateStep{{StepNumber: 1, Channel: "FAX", Body: "x"}}},
		{"zero step number", []TemplateStep{{StepNumber: 0, Channel: ChannelSMS, Body: "x"}}},
		{"empty body", []TemplateStep{{StepNumber: 1, Channel: ChannelSMS}}},
		{"duplicate numbers", []TemplateStep{
			{StepNumber: 1, Channel: ChannelSMS, Body: "a"},
			{StepNumber: 1, Channel: ChannelSMS, Body: "b"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := SequenceTemplate{Name: "bad", Steps: tt.steps}
			if err := tmpl.Validate(); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestPersonAddressFor(t *testing.T) {
	p := Person{FirstName: "Alice", Email: "alice@example.com", Phone: "+15550101"}
	if p.AddressFor(ChannelEmail) != "alice@example.com" {
		t.Error("email address not resolved")
	}
	if p.AddressFor(ChannelSMS) != "+15550101" {
		t.Error("phone not resolved for SMS")
	}
	if p.AddressFor(ChannelWhatsApp) != "" {
		t.Error("expected empty whatsapp address")
	}
	if p.FullName() != "Alice" {
		t.Errorf("unexpected full name %q", p.FullName())
	}
}

func TestTickResultAdd(t *testing.T) {
	var r TickResult
	r.Add(InstanceOutcome{Outcome: OutcomeDispatched})
	r.Add(InstanceOutcome{Outcome: OutcomeDispatched})
	r.Add(InstanceOutcome{Outcome: OutcomeCompleted})
	r.Add(InstanceOutcome{Outcome: OutcomeFailed})
	r.Add(InstanceOutcome{Outcome: OutcomeSkipped})
	if r.Dispatched != 2 || r.Completed != 1 || r.Failed != 1 || r.Skipped != 1 || len(r.Outcomes) != 5 {
		t.Errorf("unexpected tally: %+v", r)
	}
}
