package session

import (
	"github.com/rs/zerolog"

	"github.com/room4-2/voicedesk/transport"
)

// TransportChannels returns a ChannelFactory dialing base with the user id
// and mode as query parameters.
func TransportChannels(base, userID string, opts transport.Options, logger zerolog.Logger) ChannelFactory {
	return func(textOnly bool) (Channel, error) {
		url, err := transport.URLWithParams(base, userID, textOnly)
		if err != nil {
			return nil, err
		}
		return transport.New(url, opts, logger), nil
	}
}
