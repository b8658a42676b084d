package model

import (
	"errors"
	"fmt"
)

// ContentKind discriminates the Content tagged union.
type ContentKind string

const (
	ContentText      ContentKind = "text"
	ContentRich      ContentKind = "rich"
	ContentMedia     ContentKind = "media"
	ContentLocation  ContentKind = "location"
	ContentAudio     ContentKind = "audio"
	ContentVideo     ContentKind = "video"
	ContentComposite ContentKind = "composite"
	ContentSystem    ContentKind = "system"
	ContentTemplate  ContentKind = "template"
)

// MaxCompositeDepth bounds nested composite content.
const MaxCompositeDepth = 5

// Content is the tagged union carried by a RoomEvent. Exactly the fields
// relevant to Kind are populated; the rest are zero. A single struct
// (rather than an interface per kind) keeps transcoding and storage a
// matter of switching on Kind: transcoding stays a pure total function
// over (variant, capabilities).
type Content struct {
	Kind ContentKind

	// text
	Text string

	// rich
	HTML         string
	Buttons      []string
	Cards        []string
	QuickReplies []string
	Fallback     string // plain-text fallback body used by transcoding

	// media / audio / video
	URL        string
	MimeType   string
	Caption    string
	Transcript string
	Thumbnail  string

	// location
	Lat   float64
	Lon   float64
	Label string

	// composite
	Parts []Content

	// system
	Code string
	Data map[string]any

	// template
	TemplateID     string
	TemplateParams map[string]any
}

// NewText builds a text content value.
func NewText(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

// NewRich builds a rich content value. fallback is the plain-text body
// used whenever a target binding lacks the rich capability.
func NewRich(html, fallback string, buttons, cards, quickReplies []string) Content {
	return Content{
		Kind:         ContentRich,
		HTML:         html,
		Fallback:     fallback,
		Buttons:      buttons,
		Cards:        cards,
		QuickReplies: quickReplies,
	}
}

// NewMedia builds a media content value.
func NewMedia(url, mimeType, caption string) Content {
	return Content{Kind: ContentMedia, URL: url, MimeType: mimeType, Caption: caption}
}

// NewLocation builds a location content value.
func NewLocation(lat, lon float64, label string) Content {
	return Content{Kind: ContentLocation, Lat: lat, Lon: lon, Label: label}
}

// NewAudio builds an audio content value.
func NewAudio(url, transcript string) Content {
	return Content{Kind: ContentAudio, URL: url, Transcript: transcript}
}

// NewVideo builds a video content value.
func NewVideo(url, thumbnail string) Content {
	return Content{Kind: ContentVideo, URL: url, Thumbnail: thumbnail}
}

// NewSystem builds a system content value.
func NewSystem(code string, data map[string]any) Content {
	return Content{Kind: ContentSystem, Code: code, Data: data}
}

// NewTemplate builds a template content value.
func NewTemplate(id string, params map[string]any) Content {
	return Content{Kind: ContentTemplate, TemplateID: id, TemplateParams: params}
}

// ErrCompositeTooDeep is returned by NewComposite when parts nest past
// MaxCompositeDepth.
var ErrCompositeTooDeep = errors.New("composite content exceeds max depth")

// NewComposite builds a composite content value, rejecting nesting past
// MaxCompositeDepth.
func NewComposite(parts []Content) (Content, error) {
	if depth := compositeDepth(parts, 1); depth > MaxCompositeDepth {
		return Content{}, fmt.Errorf("%w: depth %d", ErrCompositeTooDeep, depth)
	}
	return Content{Kind: ContentComposite, Parts: parts}, nil
}

func compositeDepth(parts []Content, depth int) int {
	max := depth
	for _, p := range parts {
		if p.Kind == ContentComposite {
			if d := compositeDepth(p.Parts, depth+1); d > max {
				max = d
			}
		}
	}
	return max
}
