package prompt

import (
	"strings"
	"testing"
)

func TestValidateAcceptsKnownAndEmpty(t *testing.T) {
	ok := []Tags{
		{},
		{Urgency: UrgencyCritical},
		{Urgency: UrgencyLow, MessageType: MessageComplaint, RelationshipStage: RelationshipAtRisk, ProjectPhase: PhaseInProgress},
		{MessageType: MessageOther, ProjectPhase: PhaseMaintenance},
	}
	for _, tags := range ok {
		if err := tags.Validate(); err != nil {
			t.Errorf("Validate(%+v) = %v, want nil", tags, err)
		}
	}
}

func TestValidateReportsEveryInvalidField(t *testing.T) {
	tags := Tags{Urgency: "asap", MessageType: "rant", RelationshipStage: "lost", ProjectPhase: "done"}
	err := tags.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, field := range []string{"urgency", "message_type", "relationship_stage", "project_phase"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not mention %s", err, field)
		}
	}
}

func TestBuildWithoutTags(t *testing.T) {
	p := Build("Can you send the invoice?", Tags{})

	if strings.Contains(p.System, "[Context]") {
		t.Error("system prompt has a context section without tags")
	}
	if !strings.Contains(p.System, "draft replies") {
		t.Error("system prompt does not contain role instruction")
	}
	if !strings.HasSuffix(p.User, "Can you send the invoice?") {
		t.Errorf("user prompt = %q", p.User)
	}
}

func TestBuildInjectsContext(t *testing.T) {
	p := Build("The site is down!", Tags{
		Urgency:           UrgencyCritical,
		MessageType:       MessageComplaint,
		RelationshipStage: RelationshipAtRisk,
		ProjectPhase:      PhaseInProgress,
	})

	for _, want := range []string{"[Context]", "critical", "complaining", "at risk", "in progress phase"} {
		if !strings.Contains(p.System, want) {
			t.Errorf("system prompt missing %q:\n%s", want, p.System)
		}
	}
	if strings.Contains(p.User, "critical") {
		t.Error("context leaked into the user message")
	}
}
