package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// MediaSection is the part of one m= line worth logging.
type MediaSection struct {
	Kind      string
	Mid       string
	Direction string
}

type Summary []MediaSection

var directions = []string{"sendrecv", "sendonly", "recvonly", "inactive"}

// Summarize lists the media sections of d.
func Summarize(d webrtc.SessionDescription) (Summary, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP)); err != nil {
		return nil, err
	}
	out := make(Summary, 0, len(parsed.MediaDescriptions))
	for _, md := range parsed.MediaDescriptions {
		sec := MediaSection{Kind: md.MediaName.Media, Direction: "sendrecv"}
		if mid, ok := md.Attribute(sdp.AttrKeyMID); ok {
			sec.Mid = mid
		}
		for _, dir := range directions {
			if _, ok := md.Attribute(dir); ok {
				sec.Direction = dir
				break
			}
		}
		out = append(out, sec)
	}
	return out, nil
}

func (s Summary) String() string {
	parts := make([]string, 0, len(s))
	for _, sec := range s {
		parts = append(parts, fmt.Sprintf("%s:%s:%s", sec.Mid, sec.Kind, sec.Direction))
	}
	return strings.Join(parts, ",")
}
