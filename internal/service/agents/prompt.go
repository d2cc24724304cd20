package agents

import (
	"strings"

	"github.com/ashita-ai/sensei/internal/model"
)

const (
	defaultCoachInstructions = "You are a supportive professional coaching assistant. " +
		"Help the client reflect, set concrete next steps, and follow through on their goals. " +
		"Be warm and specific. Ask at most one question at a time."

	defaultOverseerInstructions = "You are an overseer assistant for a professional coach. " +
		"You see a digest of every client the coach works with. " +
		"Help the coach prioritize, spot patterns across clients, and prepare for sessions."

	defaultReportInstructions = "You write concise client progress reports for a professional coach. " +
		"Summarize goals, progress, obstacles, and recommended next steps in plain prose with short sections."

	contextRule = "The context block above was supplied to you with this request. " +
		"Never claim that you cannot access the client's documents, files, or history. " +
		"If something the user asks about is not in the supplied context, say explicitly that it is not in the material provided."
)

func defaultInstructions(kind model.AgentKind) string {
	switch kind {
	case model.AgentKindOverseer:
		return defaultOverseerInstructions
	case model.AgentKindReport:
		return defaultReportInstructions
	default:
		return defaultCoachInstructions
	}
}

// systemPrompt joins the base instructions, the entity summary, the context
// block, and the context rule. Empty sections are omitted; the context block
// says so explicitly when nothing was assembled.
func systemPrompt(base, entity, contextText, extra string) string {
	parts := []string{strings.TrimSpace(base)}
	if e := strings.TrimSpace(entity); e != "" {
		parts = append(parts, e)
	}
	if c := strings.TrimSpace(contextText); c != "" {
		parts = append(parts, "Document context:\n"+c)
	} else {
		parts = append(parts, "Document context: none available for this request.")
	}
	if x := strings.TrimSpace(extra); x != "" {
		parts = append(parts, "Additional context:\n"+x)
	}
	parts = append(parts, contextRule)
	return strings.Join(parts, "\n\n")
}

func digestBlock(coach model.User, digests []model.ClientDigest) string {
	var b strings.Builder
	b.WriteString("Coach: " + coach.Name)
	if len(digests) == 0 {
		b.WriteString("\nClients: none assigned.")
		return b.String()
	}
	b.WriteString("\nClients:")
	for _, d := range digests {
		b.WriteString("\n" + d.Line())
	}
	return b.String()
}
