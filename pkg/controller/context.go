package controller

// ClientContext is the per-session state of a shell: the consumer name used
// for cursor commands and the position CONSUME continues from.
type ClientContext struct {
	Consumer string
	Offset   uint64
}

func NewClientContext(consumer string, offset uint64) *ClientContext {
	return &ClientContext{Consumer: consumer, Offset: offset}
}

func (ctx *ClientContext) SetConsumer(name string) {
	ctx.Consumer = name
}
