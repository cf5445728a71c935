package audio

// EncoderStage is the blocking, optional encoder stage: it
// consumes Samples messages and emits Data messages; Silence passes
// through unchanged. When Encoder is nil the stage simply forwards
// everything (codec disabled).
type EncoderStage struct {
	In      *Unbounded[ProcessorMessage]
	Out     *Unbounded[ProcessorMessage]
	Encoder Encoder
	done    chan struct{}
}

// NewEncoderStage builds a stage reading from in and writing to out.
func NewEncoderStage(in, out *Unbounded[ProcessorMessage], enc Encoder) *EncoderStage {
	return &EncoderStage{In: in, Out: out, Encoder: enc, done: make(chan struct{})}
}

// Done reports when the stage has exited (In was closed).
func (e *EncoderStage) Done() <-chan struct{} { return e.done }

// Run drains In until it closes.
func (e *EncoderStage) Run() {
	defer close(e.done)
	for {
		msg, ok := e.In.Pop()
		if !ok {
			return
		}
		if msg.Kind == MsgSamples && e.Encoder != nil {
			data, err := e.Encoder.Encode(msg.Samples)
			if err != nil {
				continue // drop this frame; the next frame may succeed
			}
			e.Out.Push(DataMsg(data))
			continue
		}
		e.Out.Push(msg)
	}
}
