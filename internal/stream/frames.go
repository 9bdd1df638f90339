package stream

import "encoding/json"

// ChannelType names a streaming channel.
type ChannelType string

const ChannelMain ChannelType = "main"

type outFrame struct {
	Type string `json:"type"`
	Body any    `json:"body"`
}

type connectBody struct {
	Channel string         `json:"channel"`
	ID      string         `json:"id"`
	Params  map[string]any `json:"params"`
}

type idBody struct {
	ID string `json:"id"`
}

type emptyBody struct{}

func connectFrame(ch ChannelType, id string, params map[string]any) []byte {
	if params == nil {
		params = map[string]any{}
	}
	return mustJSON(outFrame{Type: "connect", Body: connectBody{Channel: string(ch), ID: id, Params: params}})
}

func disconnectFrame(id string) []byte {
	return mustJSON(outFrame{Type: "disconnect", Body: idBody{ID: id}})
}

var (
	pingFrame = mustJSON(outFrame{Type: "ping", Body: emptyBody{}})
	pongFrame = mustJSON(outFrame{Type: "pong", Body: emptyBody{}})
)

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

type inFrame struct {
	Type string         `json:"type"`
	Body map[string]any `json:"body"`
}
