package twilio

import (
	"sort"

	"github.com/twilio/twilio-go/twiml"
)

// Stream describes the <Connect><Stream> verb of an incoming-call answer.
type Stream struct {
	// URL is the wss:// media-stream endpoint.
	URL string
	// Params are passed to the stream's start message as custom parameters.
	Params map[string]string
	// Say, if set, is spoken before connecting, followed by a one-second
	// pause.
	Say   string
	Voice string
}

// TwiML renders the answer document for s.
func (s Stream) TwiML() ([]byte, error) {
	names := make([]string, 0, len(s.Params))
	for k := range s.Params {
		names = append(names, k)
	}
	sort.Strings(names)

	params := make([]twiml.Element, 0, len(names))
	for _, k := range names {
		params = append(params, &twiml.VoiceParameter{Name: k, Value: s.Params[k]})
	}

	var verbs []twiml.Element
	if s.Say != "" {
		verbs = append(verbs,
			&twiml.VoiceSay{Message: s.Say, Voice: s.Voice},
			&twiml.VoicePause{Length: "1"},
		)
	}
	verbs = append(verbs, &twiml.VoiceConnect{
		InnerElements: []twiml.Element{
			&twiml.VoiceStream{Url: s.URL, InnerElements: params},
		},
	})

	doc, err := twiml.Voice(verbs)
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}
