package relay

import (
	"sort"

	"spikechat/cmd/internal/upstream"
	v1 "spikechat/shared/contracts/relay/v1"
)

// DefaultMessageType is assigned when the upstream record carries no type.
const DefaultMessageType = "message"

// FormatMessage maps one raw upstream record to the client-facing shape.
//
// It is pure and idempotent: missing optional fields default to zero values
// and the same input always yields an identical output, which makes
// re-delivery safe to deduplicate on the client by id.
func FormatMessage(m upstream.RawMessage) v1.Message {
	typ := m.Type
	if typ == "" {
		typ = DefaultMessageType
	}

	atts := make([]v1.MessageAttachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		atts = append(atts, v1.MessageAttachment{
			Title:     a.Title,
			TitleLink: a.TitleLink,
			Text:      a.Text,
			Color:     a.Color,
			ImageURL:  a.ImageURL,
		})
	}

	return v1.Message{
		ID:   m.ID,
		Text: m.Text,
		User: v1.MessageUser{
			ID:       m.User.ID,
			Username: m.User.Username,
			Name:     m.User.Name,
		},
		Timestamp:   m.TS,
		RoomID:      m.RoomID,
		Attachments: atts,
		Alias:       m.Alias,
		Type:        typ,
	}
}

// FormatBatch formats a fetched batch and stable-sorts it ascending by
// timestamp. Upstream timestamps are RFC3339, so string order is
// chronological order; ties keep upstream arrival order.
func FormatBatch(raw []upstream.RawMessage) []v1.Message {
	out := make([]v1.Message, 0, len(raw))
	for _, m := range raw {
		out = append(out, FormatMessage(m))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}
