// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: spanid.go's NewSpanID (UUIDv7 generation pattern). Resolves
// the open question flagged at spec.md §9: the source's placeholder
// MakePresentationId(url, service_id) = service_id + ":" + url (with
// unprintables rewritten to '.') does not guarantee global uniqueness; see
// DESIGN.md for the chosen replacement.

package osp

import (
	"strings"

	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// PresentationID identifies one Presentation (spec.md §3, §4.H). It must
// be at least 16 printable ASCII characters and globally unique with high
// probability (spec.md §9).
type PresentationID string

// MakePresentationID derives a fresh, globally-unique [PresentationID] for
// a presentation of url on serviceID.
//
// Unlike the source's placeholder (service_id + ":" + url), this embeds a
// UUIDv7 as the uniqueness-bearing component — a fresh random/time-ordered
// value per call, the same primitive [NewSpanID] uses — so two controllers
// racing to start a presentation for the same URL on the same receiver
// never collide. serviceID is still included as a prefix so presentation
// ids for the same receiver sort and group together in logs.
func MakePresentationID(url string, serviceID string) PresentationID {
	cleanService := sanitizePresentationIDComponent(serviceID)
	id := runtimex.PanicOnError1(uuid.NewV7()).String()
	return PresentationID(cleanService + ":" + id)
}

// sanitizePresentationIDComponent rewrites any byte outside the printable
// ASCII range to '.', matching the source's treatment of service_id
// (spec.md §9) since InstanceKey-derived service ids are opaque bytes, not
// guaranteed UTF-8 (spec.md §9 "InstanceKey encoding").
func sanitizePresentationIDComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c > 0x7e {
			b.WriteByte('.')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
