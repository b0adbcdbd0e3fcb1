// Package prompt turns an incoming client message and its context tags into
// the chat prompt sent to the generation provider.
package prompt

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

type MessageType string

const (
	MessageQuestion  MessageType = "question"
	MessageRequest   MessageType = "request"
	MessageComplaint MessageType = "complaint"
	MessageUpdate    MessageType = "update"
	MessageFeedback  MessageType = "feedback"
	MessageOther     MessageType = "other"
)

type RelationshipStage string

const (
	RelationshipNew         RelationshipStage = "new"
	RelationshipActive      RelationshipStage = "active"
	RelationshipEstablished RelationshipStage = "established"
	RelationshipAtRisk      RelationshipStage = "at_risk"
)

type ProjectPhase string

const (
	PhaseDiscovery   ProjectPhase = "discovery"
	PhaseProposal    ProjectPhase = "proposal"
	PhaseInProgress  ProjectPhase = "in_progress"
	PhaseReview      ProjectPhase = "review"
	PhaseDelivered   ProjectPhase = "delivered"
	PhaseMaintenance ProjectPhase = "maintenance"
)

var (
	urgencies     = []Urgency{UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical}
	messageTypes  = []MessageType{MessageQuestion, MessageRequest, MessageComplaint, MessageUpdate, MessageFeedback, MessageOther}
	relationships = []RelationshipStage{RelationshipNew, RelationshipActive, RelationshipEstablished, RelationshipAtRisk}
	phases        = []ProjectPhase{PhaseDiscovery, PhaseProposal, PhaseInProgress, PhaseReview, PhaseDelivered, PhaseMaintenance}
)

// Tags describe the context of the message being answered. Every field is a
// closed enumeration; the empty value means unspecified.
type Tags struct {
	Urgency           Urgency           `json:"urgency,omitempty"`
	MessageType       MessageType       `json:"message_type,omitempty"`
	RelationshipStage RelationshipStage `json:"relationship_stage,omitempty"`
	ProjectPhase      ProjectPhase      `json:"project_phase,omitempty"`
}

// Validate reports every field holding a value outside its enumeration.
func (t Tags) Validate() error {
	var errs []error
	if t.Urgency != "" && !slices.Contains(urgencies, t.Urgency) {
		errs = append(errs, fmt.Errorf("invalid urgency %q", t.Urgency))
	}
	if t.MessageType != "" && !slices.Contains(messageTypes, t.MessageType) {
		errs = append(errs, fmt.Errorf("invalid message_type %q", t.MessageType))
	}
	if t.RelationshipStage != "" && !slices.Contains(relationships, t.RelationshipStage) {
		errs = append(errs, fmt.Errorf("invalid relationship_stage %q", t.RelationshipStage))
	}
	if t.ProjectPhase != "" && !slices.Contains(phases, t.ProjectPhase) {
		errs = append(errs, fmt.Errorf("invalid project_phase %q", t.ProjectPhase))
	}
	return errors.Join(errs...)
}

// Prompt is a provider-neutral chat prompt.
type Prompt struct {
	System string
	User   string
}

const systemPrompt = `You draft replies that a freelancer or small agency sends to a client. Write only the reply text, ready to paste: no subject line, no placeholders in brackets, no commentary about the reply.

Rules:
- Answer what the client actually asked or raised.
- Do not promise dates, prices or scope that the message does not mention.
- Keep the client's language.`

// Build assembles the prompt for one message. Each variant is sampled from
// the same prompt, so variety comes from the provider's temperature.
func Build(message string, tags Tags) Prompt {
	var sb strings.Builder
	sb.WriteString(systemPrompt)

	if guidance := tags.guidance(); len(guidance) > 0 {
		sb.WriteString("\n\n[Context]\n")
		for _, g := range guidance {
			sb.WriteString("- ")
			sb.WriteString(g)
			sb.WriteByte('\n')
		}
	}

	return Prompt{
		System: strings.TrimRight(sb.String(), "\n"),
		User:   "Client message:\n\n" + message,
	}
}

func (t Tags) guidance() []string {
	var out []string

	switch t.Urgency {
	case UrgencyLow:
		out = append(out, "Urgency is low; a relaxed reply is fine.")
	case UrgencyNormal:
		out = append(out, "Urgency is normal.")
	case UrgencyHigh:
		out = append(out, "Urgency is high; acknowledge it and state the next step.")
	case UrgencyCritical:
		out = append(out, "The matter is critical; open with the immediate action being taken.")
	}

	switch t.MessageType {
	case MessageQuestion:
		out = append(out, "The client asked a question; answer it directly.")
	case MessageRequest:
		out = append(out, "The client made a request; confirm what will be done.")
	case MessageComplaint:
		out = append(out, "The client is complaining; acknowledge the problem without being defensive.")
	case MessageUpdate:
		out = append(out, "The client sent an update; acknowledge it briefly.")
	case MessageFeedback:
		out = append(out, "The client gave feedback; thank them and say how it will be used.")
	case MessageOther:
	}

	switch t.RelationshipStage {
	case RelationshipNew:
		out = append(out, "This is a new client; be welcoming and a little more formal.")
	case RelationshipActive:
		out = append(out, "This is an active client relationship.")
	case RelationshipEstablished:
		out = append(out, "This is a long-standing client; a familiar tone is appropriate.")
	case RelationshipAtRisk:
		out = append(out, "The relationship is at risk; be careful, warm and concrete.")
	}

	if t.ProjectPhase != "" {
		out = append(out, fmt.Sprintf("The project is in the %s phase.", strings.ReplaceAll(string(t.ProjectPhase), "_", " ")))
	}
	return out
}
