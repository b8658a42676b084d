// Package transcode implements the pure, total downgrade function used
// by the broadcaster to adapt a RoomEvent's Content to a target
// binding's declared Capabilities. It never performs I/O and never
// mutates its inputs.
package transcode

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roomkit/conversation/internal/v1/model"
)

// ErrNotTranscodable is returned when no textual (or otherwise
// downgraded) representation of content exists for the given
// capabilities.
var ErrNotTranscodable = errors.New("transcode: content not transcodable for target capabilities")

// Transcode downgrades content to something caps can render, returning
// content unchanged if caps already supports its Kind.
func Transcode(content model.Content, caps model.Capabilities) (model.Content, error) {
	if caps.Supports(content.Kind) {
		return truncate(content, caps), nil
	}

	switch content.Kind {
	case model.ContentText:
		return content, nil // rule 1: text is always supported

	case model.ContentRich:
		// rule 2: rich -> text via its fallback body.
		if content.Fallback == "" {
			return model.Content{}, fmt.Errorf("%w: rich content has no fallback", ErrNotTranscodable)
		}
		return truncate(model.NewText(content.Fallback), caps), nil

	case model.ContentMedia:
		// rule 3: media -> "<caption> <url>", caption optional.
		text := content.URL
		if content.Caption != "" {
			text = fmt.Sprintf("%s %s", content.Caption, content.URL)
		}
		return truncate(model.NewText(text), caps), nil

	case model.ContentLocation:
		// rule 4: location -> "[Location: <label> (<lat>, <lon>)]".
		text := fmt.Sprintf("[Location: (%v, %v)]", content.Lat, content.Lon)
		if content.Label != "" {
			text = fmt.Sprintf("[Location: %s (%v, %v)]", content.Label, content.Lat, content.Lon)
		}
		return truncate(model.NewText(text), caps), nil

	case model.ContentAudio:
		// rule 5: audio -> its transcript if present, else "[Voice message]".
		text := content.Transcript
		if text == "" {
			text = "[Voice message]"
		}
		return truncate(model.NewText(text), caps), nil

	case model.ContentVideo:
		// rule 6: video -> "[Video: <url>]".
		return truncate(model.NewText(fmt.Sprintf("[Video: %s]", content.URL)), caps), nil

	case model.ContentComposite:
		// rule 7: composite -> flatten each part and join with newlines,
		// dropping parts that are themselves not_transcodable.
		var lines []string
		for _, part := range content.Parts {
			flattened, err := Transcode(part, caps)
			if err != nil {
				continue
			}
			if flattened.Kind == model.ContentText && flattened.Text != "" {
				lines = append(lines, flattened.Text)
			}
		}
		if len(lines) == 0 {
			return model.Content{}, fmt.Errorf("%w: composite has no transcodable parts", ErrNotTranscodable)
		}
		return truncate(model.NewText(strings.Join(lines, "\n")), caps), nil

	case model.ContentTemplate:
		// rule 8: template -> its id and params rendered as text, since no
		// channel-neutral rendered body is carried on the event itself.
		return truncate(model.NewText(renderTemplate(content)), caps), nil

	case model.ContentSystem:
		return truncate(model.NewText(fmt.Sprintf("[system: %s]", content.Code)), caps), nil

	default:
		return model.Content{}, fmt.Errorf("%w: unknown content kind %q", ErrNotTranscodable, content.Kind)
	}
}

func renderTemplate(content model.Content) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[template: %s]", content.TemplateID))
	for k, v := range content.TemplateParams {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	return b.String()
}

// truncate enforces caps.MaxLength on text content, the last step applied
// after every downgrade.
func truncate(content model.Content, caps model.Capabilities) model.Content {
	if content.Kind != model.ContentText || caps.MaxLength <= 0 || len(content.Text) <= caps.MaxLength {
		return content
	}
	content.Text = content.Text[:caps.MaxLength]
	return content
}
