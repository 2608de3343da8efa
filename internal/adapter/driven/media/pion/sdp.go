package pion

import (
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/pion/sdp/v3"
)

func parseDescription(d domain.SessionDescription, want domain.SDPType) (*sdp.SessionDescription, error) {
	if d.Type != want {
		return nil, fmt.Errorf("%w: want %s, got %q", domain.ErrMalformedDescription, want, d.Type)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP)); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedDescription, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("%w: no media sections", domain.ErrMalformedDescription)
	}
	return &parsed, nil
}

func mediaNames(d *sdp.SessionDescription) []string {
	names := make([]string, 0, len(d.MediaDescriptions))
	for _, m := range d.MediaDescriptions {
		names = append(names, m.MediaName.Media)
	}
	return names
}

// InferCallType reads the call type off the media sections of an offer.
func InferCallType(offer domain.SessionDescription) (domain.CallType, error) {
	parsed, err := parseDescription(offer, domain.SDPOffer)
	if err != nil {
		return "", err
	}
	for _, name := range mediaNames(parsed) {
		if name == "video" {
			return domain.CallVideo, nil
		}
	}
	return domain.CallAudio, nil
}
