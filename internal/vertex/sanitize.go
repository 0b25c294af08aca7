package vertex

import "strings"

// AgentSystemPrompt is the backend's expected leading system text. Requests
// missing it get flagged as non-IDE traffic, so it is prepended to whatever
// system instruction the client supplied.
const AgentSystemPrompt = "You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.\n" +
	"You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.\n" +
	"- **Proactiveness**"

// InjectAgentSystemPrompt prepends AgentSystemPrompt to the system
// instruction, creating one when the request had none. The role is always
// forced to "user".
func InjectAgentSystemPrompt(si *SystemInstruction) *SystemInstruction {
	if si == nil {
		return &SystemInstruction{
			Role:  "user",
			Parts: []Part{{Text: AgentSystemPrompt}},
		}
	}

	existing := ""
	if len(si.Parts) > 0 {
		existing = si.Parts[0].Text
	}
	combined := AgentSystemPrompt
	if existing != "" {
		combined = AgentSystemPrompt + "\n\n" + existing
	}

	out := &SystemInstruction{Role: "user"}
	if len(si.Parts) > 0 {
		first := si.Parts[0]
		first.Text = combined
		out.Parts = append(out.Parts, first)
		out.Parts = append(out.Parts, si.Parts[1:]...)
	} else {
		out.Parts = []Part{{Text: combined}}
	}
	return out
}

// SanitizeContents drops empty contents and text-less parts so the backend
// never sees a 400-triggering message. Parts carrying a function call,
// function response, or inline data always survive; thought-only or
// signature-only parts without text do not.
func SanitizeContents(contents []Content) []Content {
	if len(contents) == 0 {
		return contents
	}

	out := make([]Content, 0, len(contents))
	for _, c := range contents {
		if len(c.Parts) == 0 {
			continue
		}
		parts := make([]Part, 0, len(c.Parts))
		for _, p := range c.Parts {
			if p.FunctionCall != nil || p.FunctionResponse != nil || p.InlineData != nil {
				parts = append(parts, p)
				continue
			}
			if p.Text == "" {
				continue
			}
			parts = append(parts, p)
		}
		if len(parts) == 0 {
			continue
		}
		c.Parts = parts
		out = append(out, c)
	}
	return out
}

// FindFunctionName scans the converted contents backwards for the function
// call matching a tool call id, so tool results can name their function.
func FindFunctionName(contents []Content, toolCallID string) string {
	id := strings.TrimSpace(toolCallID)
	if id == "" {
		return ""
	}
	for i := len(contents) - 1; i >= 0; i-- {
		parts := contents[i].Parts
		for j := len(parts) - 1; j >= 0; j-- {
			fc := parts[j].FunctionCall
			if fc == nil {
				continue
			}
			if fc.ID == id {
				return fc.Name
			}
		}
	}
	return ""
}
