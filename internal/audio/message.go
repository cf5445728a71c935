package audio

// MsgKind discriminates ProcessorMessage.
type MsgKind int

const (
	MsgSilence MsgKind = iota
	MsgData            // opaque encoded/raw bytes ready for the wire
	MsgSamples         // i16 PCM samples awaiting encoding
)

// ProcessorMessage flows between pipeline stages: Silence | Data(bytes) |
// Samples(i16 frame).
type ProcessorMessage struct {
	Kind    MsgKind
	Data    []byte
	Samples []int16
}

// Silence builds a Silence ProcessorMessage.
func Silence() ProcessorMessage { return ProcessorMessage{Kind: MsgSilence} }

// DataMsg builds a Data ProcessorMessage.
func DataMsg(b []byte) ProcessorMessage { return ProcessorMessage{Kind: MsgData, Data: b} }

// SamplesMsg builds a Samples ProcessorMessage.
func SamplesMsg(s []int16) ProcessorMessage { return ProcessorMessage{Kind: MsgSamples, Samples: s} }
