package session

import (
	"strings"

	"scadsmith/internal/perception"
	"scadsmith/internal/types"
)

// ViewLabelPrefix precedes the view name in the text part before each image.
const ViewLabelPrefix = "View: "

// BuildContinueParts assembles a revision request for the latest iteration:
// the original prompt, the latest code, the feedback, then every render as a
// view label followed by its image, in render order.
func BuildContinueParts(s *Session, feedback string) []types.Part {
	latest := s.Latest()
	if latest == nil {
		return nil
	}

	var code strings.Builder
	code.WriteString("Current code:\n```openscad\n")
	code.WriteString(latest.Code)
	code.WriteString("\n```")

	parts := make([]types.Part, 0, 3+2*len(latest.Renders))
	parts = append(parts,
		types.TextPart("Original request:\n"+s.Prompt),
		types.TextPart(code.String()),
		types.TextPart("Feedback:\n"+feedback+"\n\n"+perception.FeedbackInstruction),
	)
	for _, r := range latest.Renders {
		parts = append(parts,
			types.TextPart(ViewLabelPrefix+r.View),
			types.ImagePart(r.MIMEType, r.Image),
		)
	}
	return parts
}
